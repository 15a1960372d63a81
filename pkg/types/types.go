package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type AssetType string

const (
	AssetTypeDomain        AssetType = "DOMAIN"
	AssetTypeIPAddress     AssetType = "IPADDRESS"
	AssetTypeWebApp        AssetType = "WEBAPP"
	AssetTypeCertificate   AssetType = "CERTIFICATE"
	AssetTypeCodeRepo      AssetType = "CODEREPO"
	AssetTypeCloudResource AssetType = "CLOUDRESOURCE"
)

type AssetStatus string

const (
	AssetStatusActive   AssetStatus = "ACTIVE"
	AssetStatusInactive AssetStatus = "INACTIVE"
	AssetStatusArchived AssetStatus = "ARCHIVED"
)

func ParseAssetType(s string) (AssetType, error) {
	switch at := AssetType(strings.ToUpper(strings.TrimSpace(s))); at {
	case AssetTypeDomain, AssetTypeIPAddress, AssetTypeWebApp,
		AssetTypeCertificate, AssetTypeCodeRepo, AssetTypeCloudResource:
		return at, nil
	}
	return "", fmt.Errorf("unknown asset type %q", s)
}

func ParseAssetStatus(s string) (AssetStatus, error) {
	switch st := AssetStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case AssetStatusActive, AssetStatusInactive, AssetStatusArchived:
		return st, nil
	}
	return "", fmt.Errorf("unknown asset status %q", s)
}

// JobType is the closed set of discovery work the orchestrator knows how to
// dispatch.
type JobType string

const (
	JobTypeDNSEnum  JobType = "DNSENUM"
	JobTypePortScan JobType = "PORTSCAN"
	JobTypeWebCrawl JobType = "WEBCRAWL"
	JobTypeCertScan JobType = "CERTSCAN"
	JobTypeVulnScan JobType = "VULNSCAN"
)

var jobTypes = []JobType{
	JobTypeDNSEnum,
	JobTypePortScan,
	JobTypeWebCrawl,
	JobTypeCertScan,
	JobTypeVulnScan,
}

// ParseJobType accepts the wire value as well as common spellings such as
// "port_scan" or "PortScan".
func ParseJobType(s string) (JobType, error) {
	normalized := strings.ToUpper(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	for _, jt := range jobTypes {
		if string(jt) == normalized {
			return jt, nil
		}
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether the orchestrator will never touch a job in this
// status again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

type PortStatus string

const (
	PortStatusOpen         PortStatus = "OPEN"
	PortStatusClosed       PortStatus = "CLOSED"
	PortStatusFiltered     PortStatus = "FILTERED"
	PortStatusOpenFiltered PortStatus = "OPEN|FILTERED"
	PortStatusError        PortStatus = "ERROR"
)

// JSONDocument is an opaque JSON value stored in a jsonb column.
type JSONDocument json.RawMessage

// NewJSONDocument marshals v into a document.
func NewJSONDocument(v interface{}) (JSONDocument, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return JSONDocument(data), nil
}

// Decode unmarshals the document into v. An empty document leaves v untouched.
func (d JSONDocument) Decode(v interface{}) error {
	if len(d) == 0 || string(d) == "null" {
		return nil
	}
	return json.Unmarshal(d, v)
}

func (d JSONDocument) Value() (driver.Value, error) {
	if len(d) == 0 {
		return "{}", nil
	}
	return string(d), nil
}

func (d *JSONDocument) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = nil
	case []byte:
		*d = append((*d)[:0], v...)
	case string:
		*d = JSONDocument(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONDocument", src)
	}
	return nil
}

func (d JSONDocument) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

func (d *JSONDocument) UnmarshalJSON(data []byte) error {
	*d = append((*d)[:0], data...)
	return nil
}

type Asset struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	OrganizationID uuid.UUID    `json:"organization_id" db:"organization_id"`
	AssetType      AssetType    `json:"asset_type" db:"asset_type"`
	Value          string       `json:"value" db:"value"`
	Status         AssetStatus  `json:"status" db:"status"`
	FirstSeen      time.Time    `json:"first_seen" db:"first_seen"`
	LastSeen       time.Time    `json:"last_seen" db:"last_seen"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
	Attributes     JSONDocument `json:"attributes" db:"attributes"`
}

type AssetFilter struct {
	OrganizationID *uuid.UUID
	AssetType      *AssetType
	Status         *AssetStatus
}

type DiscoveryJob struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	OrganizationID uuid.UUID    `json:"organization_id" db:"organization_id"`
	JobType        JobType      `json:"job_type" db:"job_type"`
	Status         JobStatus    `json:"status" db:"status"`
	Target         *string      `json:"target,omitempty" db:"target"`
	StartedAt      *time.Time   `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
	Logs           *string      `json:"logs,omitempty" db:"logs"`
	Configuration  JSONDocument `json:"configuration" db:"configuration"`
}

// TargetValue returns the job target or the empty string.
func (j *DiscoveryJob) TargetValue() string {
	if j.Target == nil {
		return ""
	}
	return *j.Target
}

// AppendLog adds a line to the job's log, creating it when absent.
func (j *DiscoveryJob) AppendLog(line string) {
	if j.Logs == nil || *j.Logs == "" {
		j.Logs = &line
		return
	}
	combined := *j.Logs + "\n" + line
	j.Logs = &combined
}

// NewDiscoveryJob builds a Pending job the way the API layer submits it.
func NewDiscoveryJob(orgID uuid.UUID, jobType JobType, target string, configuration JSONDocument) *DiscoveryJob {
	now := time.Now().UTC()
	job := &DiscoveryJob{
		ID:             uuid.New(),
		OrganizationID: orgID,
		JobType:        jobType,
		Status:         JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Configuration:  configuration,
	}
	if target != "" {
		job.Target = &target
	}
	if len(job.Configuration) == 0 {
		job.Configuration = JSONDocument("{}")
	}
	return job
}

type JobFilter struct {
	OrganizationID *uuid.UUID
	JobType        *JobType
	Status         *JobStatus
}

type JobAssetLink struct {
	JobID   uuid.UUID `json:"job_id" db:"job_id"`
	AssetID uuid.UUID `json:"asset_id" db:"asset_id"`
}

// JobOptions is the typed view of DiscoveryJob.Configuration.
type JobOptions struct {
	Ports                   []int `json:"ports,omitempty"`
	Naabu                   bool  `json:"naabu,omitempty"`
	TopPorts                int   `json:"top_ports,omitempty"`
	MaxDepth                *int  `json:"max_depth,omitempty"`
	Fingerprint             bool  `json:"fingerprint,omitempty"`
	CertificateTransparency *bool `json:"certificate_transparency,omitempty"`
	Whois                   bool  `json:"whois,omitempty"`
	Httpx                   bool  `json:"httpx,omitempty"`

	Nuclei *NucleiOptions `json:"nuclei,omitempty"`
}

// NucleiOptions narrows a VulnScan job. Zero values fall back to the
// scanner configuration.
type NucleiOptions struct {
	Templates       []string `json:"templates,omitempty"`
	Severity        string   `json:"severity,omitempty"`
	RateLimit       int      `json:"rate_limit,omitempty"`
	FollowRedirects bool     `json:"follow_redirects,omitempty"`
	MaxHostError    int      `json:"max_host_error,omitempty"`
	// TimeoutSeconds per template request.
	TimeoutSeconds int `json:"timeout,omitempty"`
}

// Options decodes the job configuration.
func (j *DiscoveryJob) Options() (JobOptions, error) {
	var opts JobOptions
	if err := j.Configuration.Decode(&opts); err != nil {
		return opts, fmt.Errorf("invalid job configuration: %w", err)
	}
	return opts, nil
}
