// External processing pipeline run as a child process
package services

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

//go:embed pipeline_result.schema.json
var pipelineResultSchema string

const (
	pipelineSchemaURL = "tracksync://pipeline-result.schema.json"
	pipelineWaitDelay = 5 * time.Second
)

// CompileResultSchema compiles the JSON schema every pipeline result must satisfy.
func CompileResultSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineResultSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse result schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(pipelineSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to load result schema: %w", err)
	}
	return c.Compile(pipelineSchemaURL)
}

// CommandPipeline hands an item to an external command.
//
// The item is written to the command's stdin as JSON. The command prints one JSON result object on stdout (the
// last non-empty line is used when it also logs there). A non-zero exit without a readable result is a pipeline
// failure.
type CommandPipeline struct {
	command string
	args    []string
	workDir string
	schema  *jsonschema.Schema
	logger  *log.Logger
}

// NewCommandPipeline creates a pipeline running cfg.Command.
func NewCommandPipeline(cfg shared.PipelineConfig, logger *log.Logger) (*CommandPipeline, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("%w: pipeline command", shared.ErrMissingConfig)
	}
	schema, err := CompileResultSchema()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CommandPipeline{command: cfg.Command, args: cfg.Args, workDir: cfg.WorkDir, schema: schema, logger: logger}, nil
}

// Process runs the command for item. An unsuccessful result is returned as-is with a nil error; callers turn it
// into a classified error with [shared.PipelineError].
func (p *CommandPipeline) Process(ctx context.Context, item *models.CatalogItem) (*models.PipelineOutput, error) {
	input, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to encode item %s: %w", item.ID, err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Dir = p.workDir
	cmd.Env = append(os.Environ(), "TRACKSYNC_ITEM_ID="+item.ID)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = pipelineWaitDelay

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("pipeline for %s interrupted: %w", item.ID, ctxErr)
	}

	out, parseErr := p.parse(stdout.Bytes())
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, shared.NewItemError(models.CategoryPipelineFailure, "", fmt.Errorf("%w: %v", shared.ErrPipeline, runErr))
		}
		if parseErr != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = runErr.Error()
			}
			return nil, shared.NewItemError(models.CategoryPipelineFailure, "", fmt.Errorf("%w: exit %d: %s", shared.ErrPipeline, exitErr.ExitCode(), msg))
		}
		p.logger.Debug("pipeline exited non-zero with a result", "item", item.ID, "code", exitErr.ExitCode())
	}
	if parseErr != nil {
		return nil, shared.NewItemError(models.CategoryPipelineFailure, "", parseErr)
	}
	return out, nil
}

func (p *CommandPipeline) parse(stdout []byte) (*models.PipelineOutput, error) {
	raw := bytes.TrimSpace(stdout)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty result", shared.ErrPipeline)
	}

	out, err := p.decode(raw)
	if err == nil {
		return out, nil
	}
	if i := bytes.LastIndexByte(raw, '\n'); i >= 0 {
		if out, lastErr := p.decode(bytes.TrimSpace(raw[i+1:])); lastErr == nil {
			return out, nil
		}
	}
	return nil, err
}

func (p *CommandPipeline) decode(raw []byte) (*models.PipelineOutput, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: result is not JSON: %v", shared.ErrPipeline, err)
	}
	if err := p.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: result does not match contract: %v", shared.ErrPipeline, err)
	}

	var out models.PipelineOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrPipeline, err)
	}
	return &out, nil
}
