package scm

const (
	// EventCLI indicates a run triggered from the CLI
	EventCLI = "cli"

	// EventPing indicates a ping event
	EventPing = "ping"

	// EventPush indicates a push event
	EventPush = "push"

	// EventPullRequest indicates a pull request
	EventPullRequest = "pull_request"

	// RepoGithub represents GitHub
	RepoGithub = "github"

	// StatePending represents a pending run/stage state
	StatePending = "pending"

	// StateSuccess represents a successful run/stage state
	StateSuccess = "success"

	// StateError represents an error run/stage state
	StateError = "error"

	// StateFailure represents a failed run/stage state
	StateFailure = "failure"
)

// Client is an interface for accessing remote SCMs
type Client interface {
	AccessToken() string
	SetAccessToken(string)
	Name() string
	HookExists(owner, repo, url string) bool
	CreateHook(owner, repo, callback string, events []string) error
	CreateStatus(owner, repo, sha string, stageIndex int, stageName, state string) error
	GetFileContent(owner, repo, path, ref string) ([]byte, bool)
	GetRepository(owner, repo string) (*Repository, bool)
	ListRepositories(user string) ([]*Repository, error)
	ParseHook(payload []byte, event string) (*Hook, error)
}

// Repository holds common repository details from SCMs
type Repository struct {
	ID            int64           `json:"id"`
	Owner         string          `json:"owner"`
	Name          string          `json:"name"`
	FullName      string          `json:"full_name"`
	Avatar        string          `json:"avatar_url"`
	CloneURL      string          `json:"clone_url,omitempty"`
	DefaultBranch string          `json:"default_branch"`
	Permissions   map[string]bool `json:"-"`
}

// IsAdmin determines if the scoped user has admin rights for the repository
func (r *Repository) IsAdmin() bool {
	return r.Permissions["admin"]
}

// Hook contains the trigger event details extracted from webhooks. For
// pull requests Branch is the destination branch of the change.
type Hook struct {
	Author   string
	Branch   string
	CloneURL string
	Commit   string
	Event    string
}
