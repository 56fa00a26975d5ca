package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gantryci/gantry/scm"
	"github.com/gantryci/gantry/store/kv"
)

func testDefinition(stages ...Stage) *Definition {
	return &Definition{
		APIVersion: "v1alpha1",
		Kind:       "Pipeline",
		Metadata:   map[string]interface{}{"name": "spacebattle-ci"},
		Spec: SpecDetails{
			Triggers: []Trigger{
				{Event: scm.EventPush, Branches: []string{"develop"}},
			},
			Stages: stages,
		},
	}
}

func commandStage(name string, params map[string]interface{}) Stage {
	return Stage{Name: name, Type: StageCommand, Params: params}
}

func uploadStage(params map[string]interface{}) Stage {
	return Stage{Name: "Upload coverage", Type: StageUpload, Params: params}
}

func setupRun(t *testing.T, def *Definition) (*Pipeline, *Run, kv.KVClient) {
	t.Helper()

	kvc := setupStore()
	p := &Pipeline{Owner: "SampleOwner", Repo: "SampleRepo"}
	run := &Run{Branch: "develop", Commit: "abc123", Event: scm.EventPush}

	if err := p.CreateRun(run, def.GetStages(), kvc, nil); err != nil {
		t.Fatalf("Expected run creation to succeed, got error: %s", err)
	}
	return p, run, kvc
}

func TestExecuteAllStagesSucceed(t *testing.T) {
	def := testDefinition(
		commandStage("Run tests", map[string]interface{}{
			"command": []interface{}{"true"},
		}),
		commandStage("Coverage", map[string]interface{}{
			"command":        []interface{}{"printf '<coverage/>' > coverage.xml"},
			"artifact_paths": []interface{}{"coverage.xml"},
		}),
		uploadStage(map[string]interface{}{
			"artifact":         "coverage.xml",
			"flag":             "unittests",
			"token_secret":     "CODECOV_TOKEN",
			"fail_ci_if_error": true,
		}),
	)

	p, run, kvc := setupRun(t, def)
	sink := &fakeSink{}
	runner := NewRunner(map[string]string{"CODECOV_TOKEN": "hush"}, sink)

	if err := runner.Execute(context.Background(), p, def, run, kvc, nil); err != nil {
		t.Fatalf("Expected run to succeed, got error: %s", err)
	}

	if run.Status != RunSuccess {
		t.Errorf("Expected run status `%s`, got `%s`", RunSuccess, run.Status)
	}

	if len(sink.files) != 1 {
		t.Fatalf("Expected `1` upload, got `%d`", len(sink.files))
	}
	if filepath.Base(sink.files[0]) != "coverage.xml" {
		t.Errorf("Expected uploaded artifact `coverage.xml`, got `%s`", sink.files[0])
	}
	if sink.tokens[0] != "hush" {
		t.Errorf("Expected upload to use the configured token")
	}
	if sink.flags[0] != "unittests" {
		t.Errorf("Expected upload flag `unittests`, got `%s`", sink.flags[0])
	}

	for _, stage := range run.Stages {
		if stage.Status != RunSuccess {
			t.Errorf("Expected stage `%s` to succeed, got `%s`", stage.Name, stage.Status)
		}
	}
}

func TestExecuteFailFast(t *testing.T) {
	def := testDefinition(
		commandStage("Run tests", map[string]interface{}{
			"command": []interface{}{"true"},
		}),
		commandStage("Type check", map[string]interface{}{
			"command": []interface{}{"exit 1"},
		}),
		commandStage("Coverage", map[string]interface{}{
			"command": []interface{}{"true"},
		}),
	)

	p, run, kvc := setupRun(t, def)
	sink := &fakeSink{}
	runner := NewRunner(nil, sink)

	err := runner.Execute(context.Background(), p, def, run, kvc, nil)
	if !errors.Is(err, ErrStageFailed) {
		t.Fatalf("Expected stage failure error, got: %v", err)
	}

	if run.Status != RunFailure {
		t.Errorf("Expected run status `%s`, got `%s`", RunFailure, run.Status)
	}

	failed, ok := run.FailedStage()
	if !ok {
		t.Fatal("Expected a failed stage")
	}
	if failed.Name != "Type check" {
		t.Errorf("Expected failed stage `Type check`, got `%s`", failed.Name)
	}

	// stages after the failing one never execute
	if run.Stages[2].Status != RunPending {
		t.Errorf("Expected stage `Coverage` to stay pending, got `%s`", run.Stages[2].Status)
	}
	if len(sink.files) != 0 {
		t.Errorf("Expected no uploads after a failed stage, got `%d`", len(sink.files))
	}
}

func TestExecuteMissingSecret(t *testing.T) {
	def := testDefinition(
		commandStage("Coverage", map[string]interface{}{
			"command":        []interface{}{"printf '<coverage/>' > coverage.xml"},
			"artifact_paths": []interface{}{"coverage.xml"},
		}),
		uploadStage(map[string]interface{}{
			"artifact":         "coverage.xml",
			"flag":             "unittests",
			"token_secret":     "CODECOV_TOKEN",
			"fail_ci_if_error": true,
		}),
	)

	p, run, kvc := setupRun(t, def)
	runner := NewRunner(map[string]string{}, &fakeSink{})

	err := runner.Execute(context.Background(), p, def, run, kvc, nil)
	if !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("Expected missing secret error, got: %v", err)
	}

	if run.Status != RunFailure {
		t.Errorf("Expected run status `%s`, got `%s`", RunFailure, run.Status)
	}
	// the analysis stage itself succeeded
	if run.Stages[0].Status != RunSuccess {
		t.Errorf("Expected stage `Coverage` to succeed, got `%s`", run.Stages[0].Status)
	}
}

func TestExecuteMissingSecretNotFatal(t *testing.T) {
	def := testDefinition(
		commandStage("Coverage", map[string]interface{}{
			"command":        []interface{}{"printf '<coverage/>' > coverage.xml"},
			"artifact_paths": []interface{}{"coverage.xml"},
		}),
		uploadStage(map[string]interface{}{
			"artifact":     "coverage.xml",
			"flag":         "unittests",
			"token_secret": "CODECOV_TOKEN",
		}),
	)

	p, run, kvc := setupRun(t, def)
	sink := &fakeSink{}
	runner := NewRunner(map[string]string{}, sink)

	if err := runner.Execute(context.Background(), p, def, run, kvc, nil); err != nil {
		t.Fatalf("Expected run to succeed when upload is not failure-fatal, got: %s", err)
	}

	if run.Status != RunSuccess {
		t.Errorf("Expected run status `%s`, got `%s`", RunSuccess, run.Status)
	}
	if len(sink.files) != 0 {
		t.Errorf("Expected upload to be skipped, got `%d` uploads", len(sink.files))
	}
}

func TestExecuteUploadRejected(t *testing.T) {
	def := testDefinition(
		commandStage("Coverage", map[string]interface{}{
			"command":        []interface{}{"printf '<coverage/>' > coverage.xml"},
			"artifact_paths": []interface{}{"coverage.xml"},
		}),
		uploadStage(map[string]interface{}{
			"artifact":         "coverage.xml",
			"token_secret":     "CODECOV_TOKEN",
			"fail_ci_if_error": true,
		}),
	)

	p, run, kvc := setupRun(t, def)
	runner := NewRunner(map[string]string{"CODECOV_TOKEN": "hush"}, &fakeSink{reject: true})

	err := runner.Execute(context.Background(), p, def, run, kvc, nil)
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("Expected upload failure error, got: %v", err)
	}
	if run.Status != RunFailure {
		t.Errorf("Expected run status `%s`, got `%s`", RunFailure, run.Status)
	}
}

func TestExecuteMissingDeclaredArtifact(t *testing.T) {
	def := testDefinition(
		commandStage("Coverage", map[string]interface{}{
			"command":        []interface{}{"true"},
			"artifact_paths": []interface{}{"coverage.xml"},
		}),
	)

	p, run, kvc := setupRun(t, def)
	runner := NewRunner(nil, &fakeSink{})

	err := runner.Execute(context.Background(), p, def, run, kvc, nil)
	if !errors.Is(err, ErrMissingArtifact) {
		t.Fatalf("Expected missing artifact error, got: %v", err)
	}
}

func TestExecuteInputRequiresProducer(t *testing.T) {
	def := testDefinition(
		commandStage("Report", map[string]interface{}{
			"command":     []interface{}{"cat coverage.xml"},
			"input_paths": []interface{}{"coverage.xml"},
		}),
	)

	p, run, kvc := setupRun(t, def)
	runner := NewRunner(nil, &fakeSink{})

	err := runner.Execute(context.Background(), p, def, run, kvc, nil)
	if !errors.Is(err, ErrMissingArtifact) {
		t.Fatalf("Expected missing artifact error for unproduced input, got: %v", err)
	}
}

func TestExecuteInputHandoff(t *testing.T) {
	def := testDefinition(
		commandStage("Coverage", map[string]interface{}{
			"command":        []interface{}{"printf '<coverage/>' > coverage.xml"},
			"artifact_paths": []interface{}{"coverage.xml"},
		}),
		commandStage("Report", map[string]interface{}{
			"command":     []interface{}{"grep -q coverage coverage.xml"},
			"input_paths": []interface{}{"coverage.xml"},
		}),
	)

	p, run, kvc := setupRun(t, def)
	runner := NewRunner(nil, &fakeSink{})

	if err := runner.Execute(context.Background(), p, def, run, kvc, nil); err != nil {
		t.Fatalf("Expected artifact handoff to succeed, got: %s", err)
	}
}

func TestExecuteEnvBindings(t *testing.T) {
	def := testDefinition(
		commandStage("Env check", map[string]interface{}{
			"command": []interface{}{
				`[ "$GREETING" = "hello" ]`,
				`[ "$TOKEN" = "hush" ]`,
				`[ "$BRANCH" = "develop" ]`,
				`[ "$COMMIT" = "abc123" ]`,
			},
			"env": []interface{}{
				map[string]interface{}{"name": "GREETING", "value": "hello"},
				map[string]interface{}{"name": "TOKEN", "secret": "CODECOV_TOKEN"},
			},
		}),
	)

	p, run, kvc := setupRun(t, def)
	runner := NewRunner(map[string]string{"CODECOV_TOKEN": "hush"}, &fakeSink{})

	if err := runner.Execute(context.Background(), p, def, run, kvc, nil); err != nil {
		t.Fatalf("Expected env bindings to resolve, got: %s", err)
	}
}

func TestExecuteOrderIsDeterministic(t *testing.T) {
	def := testDefinition(
		commandStage("first", map[string]interface{}{"command": []interface{}{"step-one"}}),
		commandStage("second", map[string]interface{}{"command": []interface{}{"step-two"}}),
		commandStage("third", map[string]interface{}{"command": []interface{}{"step-three"}}),
	)

	var previous []string
	for i := 0; i < 2; i++ {
		p, run, kvc := setupRun(t, def)
		exec := &recordingExec{}
		runner := &Runner{Exec: exec, Sink: &fakeSink{}}

		if err := runner.Execute(context.Background(), p, def, run, kvc, nil); err != nil {
			t.Fatalf("Expected run to succeed, got: %s", err)
		}

		got := strings.Join(exec.scripts, " | ")
		want := "step-one | step-two | step-three"
		if got != want {
			t.Errorf("Expected execution order `%s`, got `%s`", want, got)
		}
		if previous != nil && got != strings.Join(previous, " | ") {
			t.Error("Expected identical ordering across repeated runs")
		}
		previous = exec.scripts
	}
}

func TestExecutePostsCommitStatuses(t *testing.T) {
	def := testDefinition(
		commandStage("Run tests", map[string]interface{}{
			"command": []interface{}{"true"},
		}),
	)

	kvc := setupStore()
	p := &Pipeline{Owner: "SampleOwner", Repo: "SampleRepo"}
	run := &Run{Branch: "develop", Commit: "abc123", Event: scm.EventPush}
	git := &MockSCMClient{name: "github", success: true}

	if err := p.CreateRun(run, def.GetStages(), kvc, git); err != nil {
		t.Fatalf("Expected run creation to succeed, got error: %s", err)
	}

	runner := NewRunner(nil, &fakeSink{})
	if err := runner.Execute(context.Background(), p, def, run, kvc, git); err != nil {
		t.Fatalf("Expected run to succeed, got: %s", err)
	}

	last := git.statuses[len(git.statuses)-1]
	if last != "Run tests:"+scm.StateSuccess {
		t.Errorf("Expected final commit status `success`, got `%s`", last)
	}
}

func TestExecuteFailureSurvivesStatusError(t *testing.T) {
	def := testDefinition(
		commandStage("Run tests", map[string]interface{}{
			"command": []interface{}{"exit 1"},
		}),
	)

	kvc := setupStore()
	p := &Pipeline{Owner: "SampleOwner", Repo: "SampleRepo"}
	run := &Run{Branch: "develop", Commit: "abc123", Event: scm.EventPush}
	git := &MockSCMClient{name: "github", success: true, failStatus: scm.StateFailure}

	if err := p.CreateRun(run, def.GetStages(), kvc, git); err != nil {
		t.Fatalf("Expected run creation to succeed, got error: %s", err)
	}

	runner := NewRunner(nil, &fakeSink{})
	err := runner.Execute(context.Background(), p, def, run, kvc, git)
	if !errors.Is(err, ErrStageFailed) {
		t.Fatalf("Expected stage failure error despite rejected commit status, got: %v", err)
	}

	stored, ok := p.GetRun(run.Number, kvc)
	if !ok {
		t.Fatal("Expected run to be stored")
	}
	if stored.Status != RunFailure {
		t.Errorf("Expected stored run status `%s`, got `%s`", RunFailure, stored.Status)
	}
}

func TestExecuteReusesDefinition(t *testing.T) {
	def := testDefinition(
		commandStage("Coverage", map[string]interface{}{
			"command":        []interface{}{"printf '<coverage/>' > coverage.xml"},
			"artifact_paths": []interface{}{"coverage.xml"},
		}),
	)

	for i := 1; i <= 2; i++ {
		p, run, kvc := setupRun(t, def)
		runner := NewRunner(nil, &fakeSink{})

		if err := runner.Execute(context.Background(), p, def, run, kvc, nil); err != nil {
			t.Fatalf("Expected run %d to succeed, got: %s", i, err)
		}
		if got := len(run.Stages[0].Artifacts); got != 1 {
			t.Errorf("Expected run %d stage to record `1` artifact, got `%d`", i, got)
		}
	}

	if got := len(def.Spec.Stages[0].Artifacts); got != 0 {
		t.Errorf("Expected parsed definition to stay untouched, found `%d` recorded artifacts", got)
	}
}

func TestExecuteCleansWorkspace(t *testing.T) {
	def := testDefinition(
		commandStage("Touch", map[string]interface{}{
			"command": []interface{}{"pwd > marker.txt"},
		}),
	)

	p, run, kvc := setupRun(t, def)
	workspace := t.TempDir()
	runner := NewRunner(nil, &fakeSink{})
	runner.Workspace = workspace

	if err := runner.Execute(context.Background(), p, def, run, kvc, nil); err != nil {
		t.Fatalf("Expected run to succeed, got: %s", err)
	}

	entries, err := os.ReadDir(workspace)
	if err != nil {
		t.Fatalf("Expected workspace to be readable, got: %s", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected run workdir to be removed, found `%d` entries", len(entries))
	}
}
