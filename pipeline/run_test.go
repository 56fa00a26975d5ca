package pipeline

import (
	"testing"

	"github.com/gantryci/gantry/scm"
)

func TestRunSaveRoundtrip(t *testing.T) {
	kvc := setupStoreWithSampleRepo()
	p := &Pipeline{Owner: "SampleOwner", Repo: "SampleRepo"}
	def, _ := GetDefinition([]byte(validDefinitionYAML))

	run := &Run{
		Branch:   "develop",
		Commit:   "abc123",
		Author:   "sample-author",
		Event:    scm.EventPush,
		CloneURL: "https://github.com/SampleOwner/SampleRepo.git",
	}
	if err := p.CreateRun(run, def.GetStages(), kvc, nil); err != nil {
		t.Fatalf("Expected run creation to succeed, got: %s", err)
	}

	stored, exists := p.GetRun(run.Number, kvc)
	if !exists {
		t.Fatal("Expected stored run to exist")
	}

	if stored.ID != run.ID {
		t.Errorf("Expected run id `%s`, got `%s`", run.ID, stored.ID)
	}
	if stored.Branch != "develop" {
		t.Errorf("Expected branch `develop`, got `%s`", stored.Branch)
	}
	if stored.Commit != "abc123" {
		t.Errorf("Expected commit `abc123`, got `%s`", stored.Commit)
	}
	if stored.Author != "sample-author" {
		t.Errorf("Expected author `sample-author`, got `%s`", stored.Author)
	}
	if stored.Event != scm.EventPush {
		t.Errorf("Expected event `%s`, got `%s`", scm.EventPush, stored.Event)
	}
	if stored.Status != RunPending {
		t.Errorf("Expected status `%s`, got `%s`", RunPending, stored.Status)
	}
	if len(stored.Stages) != 7 {
		t.Fatalf("Expected `7` stored stages, got `%d`", len(stored.Stages))
	}
}

func TestRunStoredStagesKeepOrder(t *testing.T) {
	kvc := setupStoreWithSampleRepo()
	p := &Pipeline{Owner: "SampleOwner", Repo: "SampleRepo"}
	def, _ := GetDefinition([]byte(validDefinitionYAML))

	run := &Run{Branch: "develop", Event: scm.EventPush}
	if err := p.CreateRun(run, def.GetStages(), kvc, nil); err != nil {
		t.Fatalf("Expected run creation to succeed, got: %s", err)
	}

	stored, _ := p.GetRun(run.Number, kvc)
	for i, stage := range stored.Stages {
		if stage.Index != i+1 {
			t.Errorf("Expected stage at position %d to have index `%d`, got `%d`",
				i,
				i+1,
				stage.Index)
		}
	}
	if stored.Stages[0].Name != "Checkout" {
		t.Errorf("Expected first stage `Checkout`, got `%s`", stored.Stages[0].Name)
	}
	if stored.Stages[6].Name != "Upload coverage" {
		t.Errorf("Expected last stage `Upload coverage`, got `%s`", stored.Stages[6].Name)
	}

	stage, exists := stored.GetStage(5, kvc)
	if !exists {
		t.Fatal("Expected stage `5` to exist")
	}
	if stage.Name != "Type check" {
		t.Errorf("Expected stage `5` to be `Type check`, got `%s`", stage.Name)
	}
}

func TestFailedStage(t *testing.T) {
	run := &Run{
		Stages: []*Stage{
			{Name: "Run tests", Index: 1, Status: RunSuccess},
			{Name: "Type check", Index: 2, Status: RunFailure},
			{Name: "Coverage", Index: 3, Status: RunPending},
		},
	}

	failed, ok := run.FailedStage()
	if !ok {
		t.Fatal("Expected a failed stage")
	}
	if failed.Name != "Type check" {
		t.Errorf("Expected failed stage `Type check`, got `%s`", failed.Name)
	}

	completed := run.CompletedStages()
	if len(completed) != 1 || completed[0].Name != "Run tests" {
		t.Errorf("Expected completed stages `[Run tests]`, got `%v`", completed)
	}
}

func TestFailedStageNone(t *testing.T) {
	run := &Run{
		Stages: []*Stage{
			{Name: "Run tests", Index: 1, Status: RunSuccess},
		},
	}

	if _, ok := run.FailedStage(); ok {
		t.Error("Expected no failed stage on a clean run")
	}
}

func TestResolveNotifierSecrets(t *testing.T) {
	secrets := map[string]string{"SLACK_URL": "https://hooks.slack.example/T000"}
	metadata := map[string]interface{}{
		"url":      "SLACK_URL",
		"channel":  "#builds",
		"username": "gantry",
	}

	resolved := resolveNotifierSecrets(metadata, secrets)
	if resolved["url"] != "https://hooks.slack.example/T000" {
		t.Errorf("Expected secret name to resolve to its value, got `%v`", resolved["url"])
	}
	if resolved["channel"] != "#builds" {
		t.Errorf("Expected plain metadata to pass through, got `%v`", resolved["channel"])
	}
}
