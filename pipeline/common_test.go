package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/gantryci/gantry/scm"
	"github.com/gantryci/gantry/store/kv"

	etcd "go.etcd.io/etcd/client/v2"
)

type (
	MockSCMClient struct {
		success    bool
		name       string
		token      string
		failStatus string
		statuses   []string
	}

	MockKVClient struct {
		mockError error
		data      map[string]string
	}

	// recordingExec captures the order of executed stage command units
	recordingExec struct {
		mu      sync.Mutex
		scripts []string
	}

	// fakeSink records uploads and optionally rejects them
	fakeSink struct {
		reject bool
		files  []string
		tokens []string
		flags  []string
	}
)

var validDefinitionYAML = `
apiVersion: v1alpha1
kind: Pipeline
metadata:
  name: spacebattle-ci
spec:
  triggers:
    - event: pull_request
      branches: [main, develop]
    - event: push
      branches: [develop]
  secrets:
    - CODECOV_TOKEN
  stages:
    - name: Checkout
      type: command
      params:
        command:
          - git clone "$CLONE_URL" .
          - git checkout --detach "$COMMIT"
    - name: Set up Python 3.9
      type: command
      params:
        command:
          - pyenv local 3.9
    - name: Install dependencies
      type: command
      params:
        command:
          - python -m pip install --upgrade pip
          - pip install pytest pytest-cov mypy
          - pip install -r requirements.txt
    - name: Run tests
      type: command
      params:
        command:
          - pytest
    - name: Type check
      type: command
      params:
        command:
          - mypy SpaceBattle
    - name: Coverage
      type: command
      params:
        command:
          - pytest --cache-clear --cov=SpaceBattle --cov-report=xml
        artifact_paths:
          - coverage.xml
        timeout: 30
    - name: Upload coverage
      type: upload
      params:
        artifact: coverage.xml
        flag: unittests
        token_secret: CODECOV_TOKEN
        fail_ci_if_error: true
`

func setupStore() kv.KVClient {
	return &MockKVClient{data: map[string]string{}}
}

func setupStoreWithSampleRepo() kv.KVClient {
	key := pipelineNamespace + "SampleOwner:SampleRepo"

	kvc := &MockKVClient{data: map[string]string{}}
	kvc.PutDir(key)
	kvc.Put(key+"/owner", "SampleOwner")
	kvc.Put(key+"/repo", "SampleRepo")

	return kvc
}

func setupStoreWithSampleRun() kv.KVClient {
	pipeline := "SampleOwner:SampleRepo"
	key := pipelineNamespace + pipeline

	kvc := &MockKVClient{data: map[string]string{}}
	kvc.PutDir(key)
	kvc.Put(key+"/owner", "SampleOwner")
	kvc.Put(key+"/repo", "SampleRepo")
	kvc.PutInt(key+"/runs/1/number", 1)
	kvc.Put(key+"/runs/1/pipeline", pipeline)

	return kvc
}

func (e *recordingExec) Run(ctx context.Context, dir string, env []string, commands []string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts = append(e.scripts, strings.Join(commands, "; "))
	return "", nil
}

func (f *fakeSink) Upload(ctx context.Context, file, token, flag string) error {
	if f.reject {
		return errors.New("sink rejected report")
	}
	f.files = append(f.files, file)
	f.tokens = append(f.tokens, token)
	f.flags = append(f.flags, flag)
	return nil
}

// scm mocks

func (s *MockSCMClient) AccessToken() string {
	return s.token
}

func (s *MockSCMClient) SetAccessToken(token string) {
	s.token = token
}

func (s *MockSCMClient) Name() string {
	return s.name
}

func (s *MockSCMClient) GetRepository(owner, name string) (*scm.Repository, bool) {
	if !s.success {
		return nil, false
	}

	repo := &scm.Repository{
		ID:          1,
		Owner:       owner,
		Name:        name,
		Permissions: map[string]bool{"admin": true},
	}
	return repo, true
}

func (s *MockSCMClient) HookExists(owner, repo, url string) bool {
	return true
}

func (s *MockSCMClient) CreateHook(owner, repo, callback string, events []string) error {
	return nil
}

func (s *MockSCMClient) CreateStatus(owner, repo, sha string, stageIndex int, stageName, state string) error {
	if s.failStatus != "" && state == s.failStatus {
		return errors.New("status rejected")
	}
	s.statuses = append(s.statuses, stageName+":"+state)
	return nil
}

func (s *MockSCMClient) GetFileContent(owner, repo, path, ref string) ([]byte, bool) {
	if !s.success {
		return nil, false
	}
	return []byte(validDefinitionYAML), true
}

func (s *MockSCMClient) ListRepositories(user string) ([]*scm.Repository, error) {
	return nil, nil
}

func (s *MockSCMClient) ParseHook(payload []byte, event string) (*scm.Hook, error) {
	return nil, nil
}

// kv mocks

func (kvc *MockKVClient) Put(key, value string) error {
	kvc.data[key] = value
	return kvc.mockError
}

func (kvc *MockKVClient) Get(key string) (string, error) {
	return kvc.data[key], kvc.mockError
}

func (kvc *MockKVClient) PutInt(key string, value int) error {
	return kvc.Put(key, strconv.Itoa(value))
}

func (kvc *MockKVClient) GetInt(key string) (int, error) {
	val, _ := kvc.Get(key)
	return strconv.Atoi(val)
}

func (kvc *MockKVClient) GetDir(key string) ([]*kv.KVPair, error) {
	kvpair := []*kv.KVPair{}

	for k, v := range kvc.data {
		if strings.HasPrefix(k, key) {
			kvpair = append(kvpair, &kv.KVPair{
				Key:   k,
				Value: []byte(v),
			})
		}
	}

	if len(kvpair) == 0 {
		return kvpair, etcd.Error{Code: etcd.ErrorCodeKeyNotFound, Message: "Key not found", Cause: key}
	}

	return kvpair, kvc.mockError
}

func (kvc *MockKVClient) PutDir(key string) error {
	return kvc.Put(key, "")
}

func (kvc *MockKVClient) DeleteTree(key string) error {
	for k := range kvc.data {
		if strings.HasPrefix(k, key) {
			delete(kvc.data, k)
		}
	}
	return nil
}
