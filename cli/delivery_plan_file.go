package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jgoldverg/fedpool/backend/delivery"
	"github.com/jgoldverg/fedpool/internal"
	"gopkg.in/yaml.v3"
)

type planDocument struct {
	Version     int               `json:"version" yaml:"version"`
	Params      *planParams       `json:"params" yaml:"params"`
	Body        string            `json:"body" yaml:"body"`
	BodyFile    string            `json:"body_file" yaml:"body_file"`
	ContentType string            `json:"content_type" yaml:"content_type"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
	Inboxes     stringList        `json:"inboxes" yaml:"inboxes"`
	Deliveries  []planDelivery    `json:"deliveries" yaml:"deliveries"`

	dir string
}

// planDelivery overrides the document level payload for its inboxes.
type planDelivery struct {
	Inbox       stringList        `json:"inbox" yaml:"inbox"`
	Body        string            `json:"body" yaml:"body"`
	BodyFile    string            `json:"body_file" yaml:"body_file"`
	ContentType string            `json:"content_type" yaml:"content_type"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
}

type planParams struct {
	PoolSize       *int  `json:"pool_size" yaml:"pool_size"`
	WaitTimeoutMs  *int  `json:"wait_timeout_ms" yaml:"wait_timeout_ms"`
	ReclaimIdle    *bool `json:"reclaim_idle" yaml:"reclaim_idle"`
	Concurrency    *int  `json:"concurrency" yaml:"concurrency"`
	MaxRetries     *int  `json:"max_retries" yaml:"max_retries"`
	RetryBackoffMs *int  `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
}

type stringList []string

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var value string
		if err := node.Decode(&value); err != nil {
			return err
		}
		*s = splitNonEmpty([]string{value})
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*s = splitNonEmpty(items)
		return nil
	default:
		return fmt.Errorf("unsupported YAML type for string list")
	}
}

func (s *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*s = splitNonEmpty([]string{value})
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = splitNonEmpty(items)
	return nil
}

func splitNonEmpty(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func loadDeliveryPlanDocument(path string) (*planDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	format := strings.ToLower(filepath.Ext(path))
	if format != ".yaml" && format != ".yml" && format != ".json" {
		format = ".yaml"
	}
	doc, err := decodePlanDocument(data, format)
	if err != nil {
		return nil, err
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("unsupported plan version %d", doc.Version)
	}
	doc.dir = filepath.Dir(path)
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodePlanDocument(data []byte, format string) (*planDocument, error) {
	var doc planDocument
	switch format {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown plan format %q", format)
	}
	return &doc, nil
}

func (doc *planDocument) validate() error {
	if doc.Body != "" && doc.BodyFile != "" {
		return fmt.Errorf("plan sets both body and body_file")
	}
	if len(doc.Inboxes) == 0 && len(doc.Deliveries) == 0 {
		return fmt.Errorf("plan has no inboxes")
	}
	for i, d := range doc.Deliveries {
		if len(d.Inbox) == 0 {
			return fmt.Errorf("deliveries[%d] missing inbox", i)
		}
		if d.Body != "" && d.BodyFile != "" {
			return fmt.Errorf("deliveries[%d] sets both body and body_file", i)
		}
	}
	return nil
}

// toJobs expands the plan into one job per inbox. Document level fields are
// the defaults each delivery entry may override.
func (doc *planDocument) toJobs() ([]delivery.Job, error) {
	body, err := doc.readBody(doc.Body, doc.BodyFile)
	if err != nil {
		return nil, err
	}

	var jobs []delivery.Job
	for _, inbox := range doc.Inboxes {
		jobs = append(jobs, newPlanJob(inbox, body, doc.ContentType, doc.Headers, nil))
	}
	for i, d := range doc.Deliveries {
		entryBody := body
		if d.Body != "" || d.BodyFile != "" {
			if entryBody, err = doc.readBody(d.Body, d.BodyFile); err != nil {
				return nil, fmt.Errorf("deliveries[%d]: %w", i, err)
			}
		}
		contentType := doc.ContentType
		if d.ContentType != "" {
			contentType = d.ContentType
		}
		for _, inbox := range d.Inbox {
			jobs = append(jobs, newPlanJob(inbox, entryBody, contentType, doc.Headers, d.Headers))
		}
	}
	return jobs, nil
}

func (doc *planDocument) readBody(inline, file string) ([]byte, error) {
	if file == "" {
		return []byte(inline), nil
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(doc.dir, file)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read body file: %w", err)
	}
	return data, nil
}

func newPlanJob(inbox string, body []byte, contentType string, base, extra map[string]string) delivery.Job {
	job := delivery.NewJob(inbox, body)
	if contentType != "" {
		job.ContentType = contentType
	}
	if len(base)+len(extra) > 0 {
		job.Headers = make(map[string]string, len(base)+len(extra))
		for k, v := range base {
			job.Headers[k] = v
		}
		for k, v := range extra {
			job.Headers[k] = v
		}
	}
	return job
}

func applyPlanParams(target *internal.DeliveryConfig, params *planParams) {
	if params == nil {
		return
	}
	if params.PoolSize != nil {
		target.PoolSize = *params.PoolSize
	}
	if params.WaitTimeoutMs != nil {
		target.WaitTimeoutMs = *params.WaitTimeoutMs
	}
	if params.ReclaimIdle != nil {
		target.ReclaimIdle = *params.ReclaimIdle
	}
	if params.Concurrency != nil {
		target.Concurrency = *params.Concurrency
	}
	if params.MaxRetries != nil {
		target.MaxRetries = *params.MaxRetries
	}
	if params.RetryBackoffMs != nil {
		target.RetryBackoffMs = *params.RetryBackoffMs
	}
}
