package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gantryci/gantry/scm"
	"github.com/gantryci/gantry/store/kv"
	"github.com/gantryci/gantry/util"
)

var runnerLog = util.NewContextLogger("pipeline")

var (
	// ErrStageFailed indicates a stage's command sequence exited
	// non-zero or timed out
	ErrStageFailed = errors.New("stage failed")

	// ErrMissingSecret indicates a referenced secret was absent at
	// resolution time
	ErrMissingSecret = errors.New("missing secret")

	// ErrMissingArtifact indicates a declared artifact or input was not
	// found in the workspace
	ErrMissingArtifact = errors.New("missing artifact")

	// ErrUploadFailed indicates the external sink rejected or could not
	// receive the artifact
	ErrUploadFailed = errors.New("upload failed")
)

// CommandRunner executes a stage's command sequence as a single unit in
// the given directory and returns the combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir string, env []string, commands []string) (string, error)
}

// Uploader sends a produced artifact to the external reporting sink.
type Uploader interface {
	Upload(ctx context.Context, file, token, flag string) error
}

// Archiver stores run artifacts after a successful run.
type Archiver interface {
	Archive(ctx context.Context, bucket, object, file string) error
}

// Artifact is a named output produced by one stage and consumed by a
// later stage or the external sink.
type Artifact struct {
	Path  string `json:"path"`
	Stage string `json:"stage"`
}

// Runner executes a pipeline definition for a triggering event. Stages
// run strictly in declaration order, exactly once, stopping at the
// first failure. The secret store is read-only and injected here, never
// taken from ambient globals.
type Runner struct {
	Secrets       map[string]string
	Exec          CommandRunner
	Sink          Uploader
	Archive       Archiver
	ArchiveBucket string
	Workspace     string
}

// NewRunner creates a runner with the default shell executor.
func NewRunner(secrets map[string]string, sink Uploader) *Runner {
	return &Runner{
		Secrets: secrets,
		Exec:    shellRunner{},
		Sink:    sink,
	}
}

// Execute runs each stage of the definition in declared order and
// records progress on the run. The first failing stage aborts the
// remaining sequence and marks the run failed. Every stage runs exactly
// once; there are no retries.
func (r *Runner) Execute(ctx context.Context, p *Pipeline, def *Definition, run *Run, kvClient kv.KVClient, scmClient scm.Client) error {
	log := runnerLog.InFunc("Execute")

	workdir, cleanup, err := r.workdir(run)
	if err != nil {
		return err
	}
	defer cleanup()

	artifacts := map[string]Artifact{}
	runEnv := []string{
		"GANTRY_RUN_NUMBER=" + strconv.Itoa(run.Number),
		"BRANCH=" + run.Branch,
		"COMMIT=" + run.Commit,
		"CLONE_URL=" + run.CloneURL,
	}

	run.Status = RunRunning
	run.Started = time.Now().UnixNano()
	if err := run.Save(kvClient); err != nil {
		return err
	}

	for _, stage := range run.Stages {
		run.CurrentStage = stage.Index
		if err := stage.UpdateStatus(RunRunning, p, run, kvClient, scmClient); err != nil {
			return err
		}

		log.WithField("stage", stage.Name).Infof("running stage %d/%d", stage.Index, len(run.Stages))

		err := r.executeStage(ctx, stage, workdir, runEnv, artifacts)
		if err != nil {
			stage.Message = err.Error()
			if statusErr := stage.UpdateStatus(RunFailure, p, run, kvClient, scmClient); statusErr != nil {
				log.WithError(statusErr).Errorf("unable to record failure of stage %q", stage.Name)
			}
			log.WithError(err).Errorf("stage %q failed, aborting run #%d", stage.Name, run.Number)
			r.notify(run, def)
			return err
		}

		if err := stage.UpdateStatus(RunSuccess, p, run, kvClient, scmClient); err != nil {
			return err
		}
	}

	run.Status = RunSuccess
	run.Finished = time.Now().UnixNano()
	if err := run.Save(kvClient); err != nil {
		return err
	}

	r.archive(ctx, run, workdir, artifacts)
	r.notify(run, def)

	log.Infof("run #%d succeeded", run.Number)
	return nil
}

// executeStage runs a single stage and registers its declared artifacts.
func (r *Runner) executeStage(ctx context.Context, stage *Stage, workdir string, runEnv []string, artifacts map[string]Artifact) error {
	if timeout := stage.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// inputs must have been produced by an earlier stage
	for _, input := range stage.InputPaths() {
		if _, ok := artifacts[input]; !ok {
			return fmt.Errorf("%w: stage %q consumes %q but no earlier stage produced it",
				ErrMissingArtifact, stage.Name, input)
		}
	}

	var err error
	switch stage.Type {
	case StageUpload:
		err = r.upload(ctx, stage, workdir, artifacts)
	default:
		err = r.runCommands(ctx, stage, workdir, runEnv)
	}
	if err != nil {
		return err
	}

	for _, path := range stage.ArtifactPaths() {
		if _, statErr := os.Stat(filepath.Join(workdir, path)); statErr != nil {
			return fmt.Errorf("%w: stage %q declared %q but did not produce it",
				ErrMissingArtifact, stage.Name, path)
		}
		stage.Artifacts = append(stage.Artifacts, path)
		artifacts[path] = Artifact{Path: path, Stage: stage.Name}
	}

	return nil
}

func (r *Runner) runCommands(ctx context.Context, stage *Stage, workdir string, runEnv []string) error {
	env, err := r.resolveEnv(stage)
	if err != nil {
		return err
	}

	output, err := r.Exec.Run(ctx, workdir, append(runEnv, env...), stage.Commands())
	stage.Output = output
	if err != nil {
		return fmt.Errorf("%w: stage %q: %v", ErrStageFailed, stage.Name, err)
	}
	return nil
}

// upload hands the referenced artifact to the external sink. A missing
// token or a rejected upload fails the run only when the stage declares
// fail_ci_if_error.
func (r *Runner) upload(ctx context.Context, stage *Stage, workdir string, artifacts map[string]Artifact) error {
	log := runnerLog.InFunc("upload")

	artifact, ok := artifacts[stage.UploadArtifact()]
	if !ok {
		return fmt.Errorf("%w: stage %q uploads %q but no earlier stage produced it",
			ErrMissingArtifact, stage.Name, stage.UploadArtifact())
	}

	token, ok := r.Secrets[stage.TokenSecret()]
	if !ok || token == "" {
		if !stage.FailOnError() {
			stage.Message = fmt.Sprintf("skipped: secret %s not configured", stage.TokenSecret())
			log.Warnf("secret %s not configured, skipping upload", stage.TokenSecret())
			return nil
		}
		return fmt.Errorf("%w: %s", ErrMissingSecret, stage.TokenSecret())
	}

	if err := r.Sink.Upload(ctx, filepath.Join(workdir, artifact.Path), token, stage.Flag()); err != nil {
		if !stage.FailOnError() {
			stage.Message = fmt.Sprintf("upload failed, ignored: %v", err)
			log.WithError(err).Warn("upload failed, stage not failure-fatal")
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	return nil
}

// resolveEnv builds the stage environment. A binding referencing an
// absent secret fails resolution before any command runs; secret values
// themselves are never logged.
func (r *Runner) resolveEnv(stage *Stage) ([]string, error) {
	env := []string{}
	for _, v := range stage.EnvVars() {
		value := v.Value
		if v.Secret != "" {
			secret, ok := r.Secrets[v.Secret]
			if !ok {
				if stage.FailOnError() {
					return nil, fmt.Errorf("%w: %s", ErrMissingSecret, v.Secret)
				}
				runnerLog.InFunc("resolveEnv").Warnf("secret %s not configured, binding %s skipped", v.Secret, v.Name)
				continue
			}
			value = secret
		}
		env = append(env, v.Name+"="+value)
	}
	return env, nil
}

func (r *Runner) workdir(run *Run) (string, func(), error) {
	base := r.Workspace
	if base == "" {
		base = os.TempDir()
	}
	dir, err := os.MkdirTemp(base, fmt.Sprintf("gantry-run-%d-", run.Number))
	if err != nil {
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// archive copies produced artifacts to the S3-compatible store, when
// one is configured. Archiving is best-effort after a successful run.
func (r *Runner) archive(ctx context.Context, run *Run, workdir string, artifacts map[string]Artifact) {
	if r.Archive == nil {
		return
	}

	log := runnerLog.InFunc("archive")
	for path := range artifacts {
		object := fmt.Sprintf("%s/%d/%s", strings.Replace(run.Pipeline, ":", "/", 1), run.Number, path)
		if err := r.Archive.Archive(ctx, r.ArchiveBucket, object, filepath.Join(workdir, path)); err != nil {
			log.WithError(err).Warnf("unable to archive %s", path)
		}
	}
}

func (r *Runner) notify(run *Run, def *Definition) {
	if len(def.Spec.Notifiers) == 0 {
		return
	}
	if err := run.Notify(def.Spec.Notifiers, r.Secrets); err != nil {
		runnerLog.InFunc("notify").WithError(err).Warn("unable to send notifications")
	}
}

// shellRunner executes the command sequence through `sh -e` so the
// first failing instruction fails the whole unit.
type shellRunner struct{}

func (shellRunner) Run(ctx context.Context, dir string, env []string, commands []string) (string, error) {
	script := strings.Join(commands, "\n")
	cmd := exec.CommandContext(ctx, "sh", "-e", "-c", script)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	return out.String(), err
}
