package notif

// StageStatus is the per-stage summary included in notifications
type StageStatus struct {
	Name   string
	Status string
}

// AppNotifier posts a run result to a notification target
type AppNotifier interface {
	PostMessage(pipelineName string, runNumber int, runStatus string, statuses []StageStatus, metadata map[string]interface{}) bool
}
