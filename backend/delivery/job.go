package delivery

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const DefaultContentType = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

var ErrInvalidInbox = errors.New("invalid inbox url")

// Job is one payload to POST to one remote inbox.
type Job struct {
	ID          uuid.UUID
	Inbox       string
	Body        []byte
	ContentType string
	Headers     map[string]string
}

func NewJob(inbox string, body []byte) Job {
	return Job{
		ID:          uuid.New(),
		Inbox:       inbox,
		Body:        body,
		ContentType: DefaultContentType,
	}
}

// Result describes how a Job ended.
type Result struct {
	JobID    uuid.UUID
	Inbox    string
	Site     string
	Status   int
	Attempts int
	Duration time.Duration
	Outcome  string
	Err      error
}

func (r Result) Delivered() bool {
	return r.Err == nil
}

// StatusError is a non-2xx answer from the remote inbox.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("inbox answered %d %s", e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Transient reports whether the remote may accept the same payload later.
func (e *StatusError) Transient() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 500:
		return true
	}
	return false
}

func checkStatus(code int, body string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	return &StatusError{Code: code, Body: body}
}
