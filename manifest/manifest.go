package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/songzhibin97/approval-engine/types"
	"gopkg.in/yaml.v3"
)

// Manifest is a YAML seed file of definitions and, optionally, instances
// started from their current versions.
type Manifest struct {
	Definitions []Definition `yaml:"definitions"`
	Instances   []Instance   `yaml:"instances"`
}

// Definition is one workflow definition in a manifest.
type Definition struct {
	Code         string               `yaml:"code"`
	Name         string               `yaml:"name"`
	Description  string               `yaml:"description"`
	BusinessType string               `yaml:"business_type"`
	CreatedBy    uint64               `yaml:"created_by"`
	Publish      bool                 `yaml:"publish"`
	Steps        []types.StepTemplate `yaml:"steps"`
}

// Instance starts the current version of Code for a business entity.
type Instance struct {
	Code         string                 `yaml:"code"`
	BusinessType string                 `yaml:"business_type"`
	BusinessID   uint64                 `yaml:"business_id"`
	InitiatorID  uint64                 `yaml:"initiator_id"`
	Variables    map[string]interface{} `yaml:"variables"`
}

// Engine is the part of the workflow engine a manifest is applied to.
type Engine interface {
	CreateDefinition(ctx context.Context, def types.WorkflowDefinition) (*types.WorkflowDefinition, error)
	PublishDefinition(ctx context.Context, id uint64) (bool, error)
	StartCurrentWorkflow(ctx context.Context, code, businessType string, businessID, initiatorID uint64, vars types.Variables) (*types.WorkflowInstance, error)
}

// Result lists what Apply created.
type Result struct {
	Definitions []types.WorkflowDefinition
	Instances   []types.WorkflowInstance
}

// Parse decodes a manifest, rejecting unknown fields.
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	for i, d := range m.Definitions {
		if d.Code == "" {
			return nil, fmt.Errorf("definition %d: code is required", i)
		}
	}
	for i, inst := range m.Instances {
		if inst.Code == "" || inst.BusinessID == 0 {
			return nil, fmt.Errorf("instance %d: code and business_id are required", i)
		}
	}
	return &m, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Apply creates every definition as a new draft version, publishes those
// marked for it, then starts the listed instances. It stops at the first failure.
func (m *Manifest) Apply(ctx context.Context, engine Engine) (*Result, error) {
	res := &Result{}
	for _, d := range m.Definitions {
		def, err := engine.CreateDefinition(ctx, types.WorkflowDefinition{
			Code:         d.Code,
			Name:         d.Name,
			Description:  d.Description,
			BusinessType: d.BusinessType,
			CreatedBy:    d.CreatedBy,
			Steps:        d.Steps,
		})
		if err != nil {
			return res, fmt.Errorf("create %s: %w", d.Code, err)
		}
		if d.Publish {
			ok, err := engine.PublishDefinition(ctx, def.ID)
			if err != nil {
				return res, fmt.Errorf("publish %s: %w", d.Code, err)
			}
			if !ok {
				return res, fmt.Errorf("publish %s: definition %d was not publishable", d.Code, def.ID)
			}
			def.Status = types.DefinitionPublished
			def.IsCurrent = true
		}
		res.Definitions = append(res.Definitions, *def)
	}

	for _, in := range m.Instances {
		vars, err := types.FromNative(in.Variables)
		if err != nil {
			return res, fmt.Errorf("instance %s/%d: %w", in.Code, in.BusinessID, err)
		}
		inst, err := engine.StartCurrentWorkflow(ctx, in.Code, in.BusinessType, in.BusinessID, in.InitiatorID, vars)
		if err != nil {
			return res, fmt.Errorf("start %s/%d: %w", in.Code, in.BusinessID, err)
		}
		res.Instances = append(res.Instances, *inst)
	}
	return res, nil
}
