package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/sage/pkg/dataset"
	"github.com/malbeclabs/sage/pkg/metrics"
	"github.com/malbeclabs/sage/pkg/pipeline"
	"github.com/malbeclabs/sage/pkg/query"
)

type AskInput struct {
	Question     string `json:"question" jsonschema:"The question to answer, in plain language. Example: What was the total energy cost in 2023?"`
	Conversation string `json:"conversation,omitempty" jsonschema:"The conversation string returned by the previous ask call, passed back unchanged for follow-up questions. Omit for a new question."`
}

type AskOutput struct {
	Answer        string   `json:"answer"`
	State         string   `json:"state"`
	ErrorKind     string   `json:"error_kind,omitempty"`
	Reasons       []string `json:"reasons,omitempty"`
	Facts         []string `json:"facts,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	LowConfidence bool     `json:"low_confidence"`
	Plan          string   `json:"plan,omitempty"`
	Conversation  string   `json:"conversation,omitempty"`
}

func RegisterAskTool(log *slog.Logger, server *mcp.Server, p *pipeline.Pipeline, name string, description string) error {
	req, err := jsonschema.For[AskInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask input schema: %w", err)
	}

	res, err := jsonschema.For[AskOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req AskInput) (*mcp.CallToolResult, AskOutput, error) {
		log.Debug("mcp/tool: handling ask", "question", req.Question)
		return observeTool(name, func() (AskOutput, error) {
			return handleAsk(ctx, p, req)
		})
	})
	return nil
}

func handleAsk(ctx context.Context, p *pipeline.Pipeline, req AskInput) (AskOutput, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return AskOutput{}, fmt.Errorf("question is required")
	}

	var convo *pipeline.Conversation
	if strings.TrimSpace(req.Conversation) != "" {
		convo = &pipeline.Conversation{}
		if err := json.Unmarshal([]byte(req.Conversation), convo); err != nil {
			return AskOutput{}, fmt.Errorf("invalid conversation: %w", err)
		}
	}

	ans := p.Run(ctx, question, convo, nil)

	out := AskOutput{
		Answer:        ans.Text,
		State:         string(ans.State),
		LowConfidence: ans.LowConfidence,
	}
	if ans.Error != nil {
		out.ErrorKind = string(ans.Error.Kind)
		out.Reasons = ans.Error.Reasons
	}
	if ans.Summary != nil {
		out.Facts = ans.Summary.SupportingFacts
		out.Warnings = ans.Summary.Warnings
	}
	if ans.Plan != nil {
		out.Plan = ans.Plan.String()
	}
	if ans.Conversation != nil {
		b, err := json.Marshal(ans.Conversation)
		if err != nil {
			return AskOutput{}, fmt.Errorf("failed to encode conversation: %w", err)
		}
		out.Conversation = string(b)
	}
	return out, nil
}

type SchemaInput struct{}

type SchemaOutput struct {
	Datasets      []SchemaDataset      `json:"datasets"`
	Relationships []SchemaRelationship `json:"relationships,omitempty"`
}

type SchemaDataset struct {
	Name     string         `json:"name"`
	RowCount int            `json:"row_count"`
	Columns  []SchemaColumn `json:"columns"`
}

type SchemaColumn struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Unit       string `json:"unit,omitempty"`
	Identifier bool   `json:"identifier,omitempty"`
}

type SchemaRelationship struct {
	Left    string   `json:"left"`
	Right   string   `json:"right"`
	Columns []string `json:"columns"`
}

func RegisterSchemaTool(log *slog.Logger, server *mcp.Server, src query.Source, name string, description string) error {
	req, err := jsonschema.For[SchemaInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create schema input schema: %w", err)
	}

	res, err := jsonschema.For[SchemaOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create schema output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  req,
		OutputSchema: res,
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ SchemaInput) (*mcp.CallToolResult, SchemaOutput, error) {
		log.Debug("mcp/tool: handling schema")
		return observeTool(name, func() (SchemaOutput, error) {
			return schemaOutput(src.Schema()), nil
		})
	})
	return nil
}

func schemaOutput(schema *dataset.Schema) SchemaOutput {
	out := SchemaOutput{Datasets: []SchemaDataset{}}
	for _, name := range schema.Names() {
		ds := schema.Datasets[name]
		sd := SchemaDataset{Name: ds.Name, RowCount: ds.RowCount, Columns: make([]SchemaColumn, 0, len(ds.Columns))}
		for _, c := range ds.Columns {
			sd.Columns = append(sd.Columns, SchemaColumn{
				Name:       c.Name,
				Type:       string(c.Type),
				Unit:       string(c.Unit),
				Identifier: c.Identifier,
			})
		}
		out.Datasets = append(out.Datasets, sd)
	}
	for _, rel := range schema.Relationships {
		out.Relationships = append(out.Relationships, SchemaRelationship{
			Left:    rel.Left,
			Right:   rel.Right,
			Columns: rel.Columns,
		})
	}
	return out
}

type RunPlanInput struct {
	Plan map[string]any `json:"plan" jsonschema:"A query plan object with sources, filters, group_by, aggregates, join, derived, anomalies, sort, time_period, columns and limit. Use the schema tool to see available datasets and columns."`
}

type RunPlanOutput struct {
	Answer   string     `json:"answer"`
	Facts    []string   `json:"facts,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
	Header   []string   `json:"header,omitempty"`
	Cells    [][]string `json:"cells,omitempty"`
	Plan     string     `json:"plan"`
}

func RegisterRunPlanTool(log *slog.Logger, server *mcp.Server, src query.Source, exec *query.Executor, name string, description string) error {
	req, err := jsonschema.For[RunPlanInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create run_plan input schema: %w", err)
	}

	res, err := jsonschema.For[RunPlanOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create run_plan output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req RunPlanInput) (*mcp.CallToolResult, RunPlanOutput, error) {
		return observeTool(name, func() (RunPlanOutput, error) {
			plan, err := query.NormalizePlan(req.Plan)
			if err != nil {
				return RunPlanOutput{}, err
			}
			log.Debug("mcp/tool: handling run_plan", "plan", plan.String())
			resp, err := runPlan(ctx, src, exec, plan)
			if err != nil {
				return RunPlanOutput{}, err
			}
			return RunPlanOutput{
				Answer:   resp.Summary.HeadlineFact,
				Facts:    resp.Summary.SupportingFacts,
				Warnings: resp.Summary.Warnings,
				Header:   resp.Header,
				Cells:    resp.Cells,
				Plan:     plan.String(),
			}, nil
		})
	})
	return nil
}

// observeTool runs a tool handler and records its outcome.
func observeTool[T any](name string, fn func() (T, error)) (*mcp.CallToolResult, T, error) {
	startTime := time.Now()
	out, err := fn()
	duration := time.Since(startTime).Seconds()
	metrics.MCPToolCallDuration.WithLabelValues(name).Observe(duration)
	if err != nil {
		metrics.MCPToolCallsTotal.WithLabelValues(name, "error").Inc()
		var zero T
		return nil, zero, err
	}
	metrics.MCPToolCallsTotal.WithLabelValues(name, "success").Inc()
	return nil, out, nil
}
