package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/franz/dw-loader/internal/util"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Job statuses carried by a JobResult
const (
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
)

// JobResult is the event produced when a job run ends
type JobResult struct {
	JobID            int64         `json:"job_id"`
	RunID            string        `json:"run_id"`
	JobName          string        `json:"job_name"`
	Status           string        `json:"status"`
	RecordsProcessed int64         `json:"records_processed"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	FilesLoaded      int           `json:"files_loaded"`
	FilesFailed      int           `json:"files_failed"`
	Duration         time.Duration `json:"duration"`
}

// Notifier consumes job-result events
type Notifier interface {
	Notify(ctx context.Context, result *JobResult) error
}

// Notify implements Notifier by writing a job_end event
func (l *EventLogger) Notify(_ context.Context, result *JobResult) error {
	return l.LogJobEnd(result)
}

// MultiNotifier fans a result out to every sink; all sinks are tried
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, result *JobResult) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendGridNotifier emails job results through the SendGrid v3 API
type SendGridNotifier struct {
	APIKey string
	From   string
	To     []string
	Host   string // defaults to https://api.sendgrid.com
}

// NewSendGridNotifier returns nil when apiKey is empty
func NewSendGridNotifier(apiKey, from string, to []string) *SendGridNotifier {
	if apiKey == "" {
		return nil
	}
	return &SendGridNotifier{APIKey: apiKey, From: from, To: to}
}

func (n *SendGridNotifier) Notify(ctx context.Context, result *JobResult) error {
	if n == nil {
		return nil
	}

	host := n.Host
	if host == "" {
		host = "https://api.sendgrid.com"
	}

	request := sendgrid.GetRequest(n.APIKey, "/v3/mail/send", host)
	request.Method = "POST"
	request.Body = mail.GetRequestBody(n.message(result))

	response, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return fmt.Errorf("failed to send job notification: %w", err)
	}
	if response.StatusCode >= 300 {
		return fmt.Errorf("failed to send job notification: response code %d", response.StatusCode)
	}

	util.DebugLog("Sent job notification to %s", strings.Join(n.To, ", "))
	return nil
}

func (n *SendGridNotifier) message(result *JobResult) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail("", n.From))
	m.Subject = Subject(result)

	p := mail.NewPersonalization()
	for _, to := range n.To {
		p.AddTos(mail.NewEmail("", to))
	}
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", Body(result)))
	return m
}

// Subject renders the one-line notification subject
func Subject(result *JobResult) string {
	return fmt.Sprintf("ETL Job %s %s", result.JobName, result.Status)
}

// Body renders the plain-text notification body
func Body(result *JobResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job:               %s\n", result.JobName)
	fmt.Fprintf(&b, "Run:               %s\n", result.RunID)
	fmt.Fprintf(&b, "Status:            %s\n", result.Status)
	fmt.Fprintf(&b, "Records processed: %s\n", humanize.Comma(result.RecordsProcessed))
	fmt.Fprintf(&b, "Files loaded:      %d\n", result.FilesLoaded)
	fmt.Fprintf(&b, "Files failed:      %d\n", result.FilesFailed)
	fmt.Fprintf(&b, "Duration:          %s\n", result.Duration.Round(time.Millisecond))
	if result.ErrorMessage != "" {
		fmt.Fprintf(&b, "\nError: %s\n", result.ErrorMessage)
	}
	return b.String()
}
