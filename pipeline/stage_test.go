package pipeline

import (
	"testing"

	"github.com/gantryci/gantry/scm"
)

func TestStageSaveRoundtrip(t *testing.T) {
	kvc := setupStoreWithSampleRun()

	stage := &Stage{
		ID:     generateUUID(),
		Name:   "Coverage",
		Type:   StageCommand,
		Index:  6,
		Status: RunPending,
		Params: map[string]interface{}{
			"command":        []interface{}{"pytest --cache-clear --cov=SpaceBattle --cov-report=xml"},
			"artifact_paths": []interface{}{"coverage.xml"},
			"timeout":        float64(30),
		},
		Artifacts: []string{"coverage.xml"},
	}

	namespace := pipelineNamespace + "SampleOwner:SampleRepo/runs/1/stages"
	if err := stage.Save(namespace, kvc); err != nil {
		t.Fatalf("Expected stage save to succeed, got: %s", err)
	}

	stored := getStage(namespace+"/6", kvc)
	if stored.Name != "Coverage" {
		t.Errorf("Expected stage name `Coverage`, got `%s`", stored.Name)
	}
	if stored.Type != StageCommand {
		t.Errorf("Expected stage type `%s`, got `%s`", StageCommand, stored.Type)
	}
	if stored.Index != 6 {
		t.Errorf("Expected stage index `6`, got `%d`", stored.Index)
	}
	if got := stored.Commands(); len(got) != 1 {
		t.Errorf("Expected `1` command after roundtrip, got `%d`", len(got))
	}
	if got := stored.ArtifactPaths(); len(got) != 1 || got[0] != "coverage.xml" {
		t.Errorf("Expected artifacts `[coverage.xml]` after roundtrip, got `%v`", got)
	}
	if len(stored.Artifacts) != 1 || stored.Artifacts[0] != "coverage.xml" {
		t.Errorf("Expected produced artifacts `[coverage.xml]`, got `%v`", stored.Artifacts)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	kvc := setupStoreWithSampleRepo()
	p := &Pipeline{Owner: "SampleOwner", Repo: "SampleRepo"}
	def, _ := GetDefinition([]byte(validDefinitionYAML))

	run := &Run{Branch: "develop", Event: scm.EventPush}
	if err := p.CreateRun(run, def.GetStages(), kvc, nil); err != nil {
		t.Fatalf("Expected run creation to succeed, got: %s", err)
	}

	stage := run.Stages[0]
	if err := stage.UpdateStatus(RunRunning, p, run, kvc, nil); err != nil {
		t.Fatalf("Expected status update to succeed, got: %s", err)
	}
	if stage.Started == 0 {
		t.Error("Expected running stage to record a start time")
	}
	if run.Status != RunRunning {
		t.Errorf("Expected run status `%s`, got `%s`", RunRunning, run.Status)
	}

	if err := stage.UpdateStatus(RunSuccess, p, run, kvc, nil); err != nil {
		t.Fatalf("Expected status update to succeed, got: %s", err)
	}
	if stage.Finished == 0 {
		t.Error("Expected finished stage to record a finish time")
	}

	next := run.Stages[1]
	if err := next.UpdateStatus(RunFailure, p, run, kvc, nil); err != nil {
		t.Fatalf("Expected status update to succeed, got: %s", err)
	}
	if run.Status != RunFailure {
		t.Errorf("Expected run status `%s`, got `%s`", RunFailure, run.Status)
	}
	if run.Finished == 0 {
		t.Error("Expected failed run to record a finish time")
	}

	stored, _ := p.GetRun(run.Number, kvc)
	if stored.Status != RunFailure {
		t.Errorf("Expected stored run status `%s`, got `%s`", RunFailure, stored.Status)
	}
	if stored.Stages[1].Status != RunFailure {
		t.Errorf("Expected stored stage status `%s`, got `%s`", RunFailure, stored.Stages[1].Status)
	}
}

func TestUpdateStatusPostsCommitStatus(t *testing.T) {
	kvc := setupStoreWithSampleRepo()
	p := &Pipeline{Owner: "SampleOwner", Repo: "SampleRepo"}
	def, _ := GetDefinition([]byte(validDefinitionYAML))
	git := &MockSCMClient{name: "github", success: true}

	run := &Run{Branch: "develop", Commit: "abc123", Event: scm.EventPush}
	if err := p.CreateRun(run, def.GetStages(), kvc, git); err != nil {
		t.Fatalf("Expected run creation to succeed, got: %s", err)
	}
	if len(git.statuses) != 7 {
		t.Fatalf("Expected `7` pending commit statuses, got `%d`", len(git.statuses))
	}

	stage := run.Stages[0]
	stage.UpdateStatus(RunRunning, p, run, kvc, git)
	stage.UpdateStatus(RunSuccess, p, run, kvc, git)

	last := git.statuses[len(git.statuses)-1]
	if last != "Checkout:"+scm.StateSuccess {
		t.Errorf("Expected commit status `Checkout:%s`, got `%s`", scm.StateSuccess, last)
	}
}

func TestUpdateStatusSkipsCommitStatusOnBranchBuild(t *testing.T) {
	kvc := setupStoreWithSampleRepo()
	p := &Pipeline{Owner: "SampleOwner", Repo: "SampleRepo"}
	def, _ := GetDefinition([]byte(validDefinitionYAML))
	git := &MockSCMClient{name: "github", success: true}

	// commit matches branch, nothing to report against
	run := &Run{Branch: "develop", Commit: "develop", Event: scm.EventPush}
	if err := p.CreateRun(run, def.GetStages(), kvc, git); err != nil {
		t.Fatalf("Expected run creation to succeed, got: %s", err)
	}

	run.Stages[0].UpdateStatus(RunRunning, p, run, kvc, git)
	if len(git.statuses) != 0 {
		t.Errorf("Expected no commit statuses, got `%d`", len(git.statuses))
	}
}

func TestScmState(t *testing.T) {
	cases := map[string]string{
		RunPending: scm.StatePending,
		RunRunning: scm.StatePending,
		RunSuccess: scm.StateSuccess,
		RunFailure: scm.StateFailure,
	}
	for status, expected := range cases {
		if got := scmState(status); got != expected {
			t.Errorf("Expected `%s` to map to `%s`, got `%s`", status, expected, got)
		}
	}
}
