package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/tracksync/internal/models"
	"github.com/desertthunder/tracksync/internal/shared"
)

func shellPipeline(t *testing.T, script string) *CommandPipeline {
	t.Helper()
	p, err := NewCommandPipeline(shared.PipelineConfig{Command: "sh", Args: []string{"-c", script}}, nil)
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

func TestCommandPipeline(t *testing.T) {
	ctx := context.Background()
	item := &models.CatalogItem{ID: "item-1", Signals: models.IdentitySignals{Title: "Hurt", Artist: "Johnny Cash"}}

	t.Run("Requires Command", func(t *testing.T) {
		if _, err := NewCommandPipeline(shared.PipelineConfig{}, nil); !errors.Is(err, shared.ErrMissingConfig) {
			t.Errorf("expected ErrMissingConfig, got %v", err)
		}
	})

	t.Run("Success", func(t *testing.T) {
		p := shellPipeline(t, `cat >/dev/null; echo '{"success":true,"artifacts":[{"kind":"primary","type":"file","location":"/music/hurt.flac"}],"fingerprint":"abcd"}'`)
		out, err := p.Process(ctx, item)
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if !out.Success || len(out.Artifacts) != 1 || out.Artifacts[0].Location != "/music/hurt.flac" || out.Fingerprint != "abcd" {
			t.Errorf("unexpected output: %+v", out)
		}
	})

	t.Run("Receives Item On Stdin", func(t *testing.T) {
		p := shellPipeline(t, `if grep -q '"Hurt"'; then echo '{"success":true,"artifacts":[{"kind":"primary","type":"library","location":"x"}]}'; else echo '{"success":false,"error_code":"not_found"}'; fi`)
		out, err := p.Process(ctx, item)
		if err != nil || !out.Success {
			t.Errorf("expected item JSON on stdin, got %+v %v", out, err)
		}
	})

	t.Run("Item ID In Environment", func(t *testing.T) {
		p := shellPipeline(t, `cat >/dev/null; printf '{"success":true,"artifacts":[{"kind":"primary","type":"library","location":"%s"}]}' "$TRACKSYNC_ITEM_ID"`)
		out, err := p.Process(ctx, item)
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if out.Artifacts[0].Location != "item-1" {
			t.Errorf("expected location item-1, got %q", out.Artifacts[0].Location)
		}
	})

	t.Run("Uses Last Line After Logs", func(t *testing.T) {
		p := shellPipeline(t, `cat >/dev/null; echo starting; echo '{"success":false,"error_code":"geo_blocked","error":"blocked in region"}'`)
		out, err := p.Process(ctx, item)
		if err != nil {
			t.Fatalf("expected result, got %v", err)
		}
		if out.Success || out.ErrorCode != "geo_blocked" || out.ErrorMessage != "blocked in region" {
			t.Errorf("unexpected output: %+v", out)
		}
	})

	t.Run("Contract Violation", func(t *testing.T) {
		p := shellPipeline(t, `cat >/dev/null; echo '{"success":true}'`)
		_, err := p.Process(ctx, item)
		if category, _ := shared.Classify(err); category != models.CategoryPipelineFailure {
			t.Errorf("expected pipeline failure, got %s (%v)", category, err)
		}
	})

	t.Run("Non Zero Exit Without Result", func(t *testing.T) {
		p := shellPipeline(t, `cat >/dev/null; echo 'encoder crashed' >&2; exit 3`)
		_, err := p.Process(ctx, item)
		if !errors.Is(err, shared.ErrPipeline) {
			t.Fatalf("expected ErrPipeline, got %v", err)
		}
		if !strings.Contains(err.Error(), "encoder crashed") || !strings.Contains(err.Error(), "exit 3") {
			t.Errorf("expected stderr and exit code in error, got %v", err)
		}
	})

	t.Run("Non Zero Exit With Result", func(t *testing.T) {
		p := shellPipeline(t, `cat >/dev/null; echo '{"success":false,"error_code":"timeout"}'; exit 1`)
		out, err := p.Process(ctx, item)
		if err != nil {
			t.Fatalf("expected result, got %v", err)
		}
		category, reason := shared.Classify(shared.PipelineError(out.ErrorCode, out.ErrorMessage))
		if category != models.CategoryTransientRemote || reason != models.ReasonTimeout {
			t.Errorf("expected transient timeout, got %s %s", category, reason)
		}
	})

	t.Run("Deadline", func(t *testing.T) {
		p := shellPipeline(t, `exec sleep 5`)
		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := p.Process(tctx, item)
		if !shared.IsTransient(err) {
			t.Errorf("expected transient error, got %v", err)
		}
	})
}
