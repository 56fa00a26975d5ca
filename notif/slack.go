package notif

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

type SlackDetails struct {
	Username string `json:"username"`
	Url      string `json:"url"`
	Channel  string `json:"channel"`
}

type Slack struct {
	Channel     string       `json:"channel"`
	Username    string       `json:"username"`
	Text        string       `json:"text,omitempty"`
	Emoji       string       `json:"icon_emoji"`
	MarkDown    bool         `json:"mrkdwn"`
	Icon        string       `json:"icon_url"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Url         string       `json:"-"`
}

type Attachment struct {
	Color   string `json:"color"`
	Pretext string `json:"pretext,omitempty"`
	Title   string `json:"title"`
	Text    string `json:"text"`
}

func newSlackNotifier() *Slack {
	slack := &Slack{}
	slack.Attachments = []Attachment{}
	slack.MarkDown = true
	slack.Emoji = ":slack:"
	return slack
}

func (slack *Slack) updateMessageStatus(status, pipeline string, run int) {
	title := "*GANTRY* _Status_"
	runInfo := fmt.Sprintf("Run #%d", run)

	var msg string
	switch status {
	case "SUCCESS":
		msg = ":tada:  *RUN SUCCESS*"
	case "FAIL":
		msg = ":cry:  *RUN FAILED*"
	}

	slack.Text = fmt.Sprintf("%s \n %s - %s \n %s ", title, pipeline, runInfo, msg)
}

func (slack *Slack) addAttachment(stageName, status string) {
	attachment := Attachment{Title: stageName}

	switch status {
	case "SUCCESS":
		attachment.Color = "good"
		attachment.Text = ":white_check_mark: SUCCESS"
	case "FAIL":
		attachment.Color = "danger"
		attachment.Text = ":x: FAILED"
	case "PENDING":
		attachment.Color = "warning"
		attachment.Text = ":warning: PENDING"
	}

	slack.Attachments = append(slack.Attachments, attachment)
}

func buildSlackMessage(pipelineName string, runNumber int, runStatus string, statuses []StageStatus, metadata map[string]interface{}) *Slack {
	slack := newSlackNotifier()
	slack.updateMessageStatus(runStatus, pipelineName, runNumber)

	for _, stageStatus := range statuses {
		slack.addAttachment(stageStatus.Name, stageStatus.Status)
	}

	slackDetails := SlackDetails{}
	detailsJson, _ := json.Marshal(metadata)
	if err := json.Unmarshal(detailsJson, &slackDetails); err != nil {
		log.Println("Unable to get slack details")
		return nil
	}

	slack.Url = slackDetails.Url
	slack.Channel = slackDetails.Channel
	slack.Username = slackDetails.Username
	return slack
}

// PostMessage sends the run summary to the configured slack webhook
func (slack *Slack) PostMessage(pipelineName string, runNumber int, runStatus string, statuses []StageStatus, metadata map[string]interface{}) bool {
	slack = buildSlackMessage(pipelineName, runNumber, runStatus, statuses, metadata)
	if slack == nil {
		return false
	}

	data, err := json.Marshal(slack)
	if err != nil {
		log.Println("Unable to marshal payload:", err)
		return false
	}

	res, err := http.Post(slack.Url, "application/json", bytes.NewBuffer(data))
	if err != nil {
		log.Println("Unable to send data to slack:", err)
		return false
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		log.Println("Unable to notify slack:", string(body))
		return false
	}

	log.Println("Slack notification sent.")
	return true
}
