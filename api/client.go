// Package api is a typed client for the planner's REST API. Every call goes
// through the authenticated gateway.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"ceuplanner/gateway"
)

// Doer is the gateway surface the client needs.
type Doer interface {
	Do(ctx context.Context, method, path string, body *gateway.Payload, out any) error
	DoJSON(ctx context.Context, method, path string, in, out any) error
	Fetch(ctx context.Context, path string) (*gateway.Blob, error)
}

// Client wraps the API endpoints.
type Client struct {
	gw Doer
}

// New returns a client over gw.
func New(gw Doer) *Client {
	return &Client{gw: gw}
}

func (c *Client) Me(ctx context.Context) (UserMe, error) {
	var out UserMe
	err := c.gw.Do(ctx, http.MethodGet, "/api/me", nil, &out)
	return out, err
}

func (c *Client) ListStateLicenses(ctx context.Context) ([]StateLicense, error) {
	var out []StateLicense
	err := c.gw.Do(ctx, http.MethodGet, "/api/state-licenses", nil, &out)
	return out, err
}

func (c *Client) CreateStateLicense(ctx context.Context, in CreateStateLicense) (StateLicense, error) {
	var out StateLicense
	err := c.gw.DoJSON(ctx, http.MethodPost, "/api/state-licenses", in, &out)
	return out, err
}

func (c *Client) UpdateStateLicense(ctx context.Context, id string, in UpdateStateLicense) (StateLicense, error) {
	var out StateLicense
	err := c.gw.DoJSON(ctx, http.MethodPatch, "/api/state-licenses/"+url.PathEscape(id), in, &out)
	return out, err
}

func (c *Client) DeleteStateLicense(ctx context.Context, id string) error {
	return c.gw.Do(ctx, http.MethodDelete, "/api/state-licenses/"+url.PathEscape(id), nil, nil)
}

// ListCycles lists license cycles, optionally for one state license.
func (c *Client) ListCycles(ctx context.Context, stateLicenseID string) ([]LicenseCycle, error) {
	var out []LicenseCycle
	err := c.gw.Do(ctx, http.MethodGet, "/api/cycles"+toQuery("state_license_id", stateLicenseID), nil, &out)
	return out, err
}

func (c *Client) CreateCycle(ctx context.Context, in CreateCycle) (LicenseCycle, error) {
	var out LicenseCycle
	err := c.gw.DoJSON(ctx, http.MethodPost, "/api/cycles", in, &out)
	return out, err
}

func (c *Client) UpdateCycle(ctx context.Context, id string, in UpdateCycle) (LicenseCycle, error) {
	var out LicenseCycle
	err := c.gw.DoJSON(ctx, http.MethodPatch, "/api/cycles/"+url.PathEscape(id), in, &out)
	return out, err
}

func (c *Client) DeleteCycle(ctx context.Context, id string) error {
	return c.gw.Do(ctx, http.MethodDelete, "/api/cycles/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListCourses(ctx context.Context, r DateRange) ([]Course, error) {
	var out []Course
	err := c.gw.Do(ctx, http.MethodGet, "/api/courses"+toQuery("from", r.From, "to", r.To), nil, &out)
	return out, err
}

func (c *Client) CreateCourse(ctx context.Context, in CreateCourse) (Course, error) {
	var out Course
	err := c.gw.DoJSON(ctx, http.MethodPost, "/api/courses", in, &out)
	return out, err
}

func (c *Client) UpdateCourse(ctx context.Context, id string, in UpdateCourse) (Course, error) {
	var out Course
	err := c.gw.DoJSON(ctx, http.MethodPatch, "/api/courses/"+url.PathEscape(id), in, &out)
	return out, err
}

func (c *Client) DeleteCourse(ctx context.Context, id string) error {
	return c.gw.Do(ctx, http.MethodDelete, "/api/courses/"+url.PathEscape(id), nil, nil)
}

// BulkAllocate applies one course to several cycles. Cycles that already hold
// the course come back in SkippedCycleIDs.
func (c *Client) BulkAllocate(ctx context.Context, in BulkAllocate) (AllocationBulkResult, error) {
	var out AllocationBulkResult
	err := c.gw.DoJSON(ctx, http.MethodPost, "/api/allocations/bulk", in, &out)
	return out, err
}

func (c *Client) ListAllocations(ctx context.Context, courseID, cycleID string) ([]Allocation, error) {
	var out []Allocation
	err := c.gw.Do(ctx, http.MethodGet, "/api/allocations"+toQuery("course_id", courseID, "cycle_id", cycleID), nil, &out)
	return out, err
}

func (c *Client) DeleteAllocation(ctx context.Context, id string) error {
	return c.gw.Do(ctx, http.MethodDelete, "/api/allocations/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListCertificates(ctx context.Context, courseID string) ([]Certificate, error) {
	var out []Certificate
	err := c.gw.Do(ctx, http.MethodGet, "/api/courses/"+url.PathEscape(courseID)+"/certificates", nil, &out)
	return out, err
}

// UploadCertificate attaches a file to a course as multipart form field "file".
func (c *Client) UploadCertificate(ctx context.Context, courseID, filename string, file io.Reader) (Certificate, error) {
	body, err := gateway.MultipartPayload("file", filename, file, nil)
	if err != nil {
		return Certificate{}, err
	}
	var out Certificate
	err = c.gw.Do(ctx, http.MethodPost, "/api/courses/"+url.PathEscape(courseID)+"/certificates", body, &out)
	return out, err
}

func (c *Client) DeleteCertificate(ctx context.Context, id string) error {
	return c.gw.Do(ctx, http.MethodDelete, "/api/certificates/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Progress(ctx context.Context) ([]ProgressRow, error) {
	var out []ProgressRow
	err := c.gw.Do(ctx, http.MethodGet, "/api/progress", nil, &out)
	return out, err
}

func (c *Client) Timeline(ctx context.Context, r DateRange) (TimelineResponse, error) {
	var out TimelineResponse
	err := c.gw.Do(ctx, http.MethodGet, "/api/timeline"+toQuery("from", r.From, "to", r.To), nil, &out)
	return out, err
}

func (c *Client) TimelineEvents(ctx context.Context, r DateRange, state string) ([]TimelineEvent, error) {
	var out []TimelineEvent
	err := c.gw.Do(ctx, http.MethodGet, "/api/timeline/events"+toQuery("from", r.From, "to", r.To, "state", state), nil, &out)
	return out, err
}

// ErrNotPreviewable is returned for certificates that are not images.
var ErrNotPreviewable = errors.New("api: certificate is not an image")

// CertificatePreview downloads an image certificate. The caller must Close
// the returned blob; cancelling ctx aborts the download.
func (c *Client) CertificatePreview(ctx context.Context, cert Certificate) (*gateway.Blob, error) {
	if !IsImageCertificate(cert) {
		return nil, ErrNotPreviewable
	}
	return c.gw.Fetch(ctx, "/api/certificates/"+url.PathEscape(cert.ID)+"/download")
}

var imageExtension = regexp.MustCompile(`(?i)\.(png|jpe?g|gif|webp|bmp|heic|heif|tiff?)$`)

// IsImageCertificate reports whether cert can be shown inline, by content
// type or else by file extension.
func IsImageCertificate(cert Certificate) bool {
	if cert.ContentType != nil && strings.HasPrefix(strings.ToLower(*cert.ContentType), "image/") {
		return true
	}
	return imageExtension.MatchString(cert.Filename)
}

// ErrorMessage returns the API's detail message for err, or fallback.
func ErrorMessage(err error, fallback string) string {
	var he *gateway.HTTPError
	if errors.As(err, &he) && he.Details != "" {
		return he.Details
	}
	return fallback
}

// toQuery builds a query string from key/value pairs, dropping empty values.
func toQuery(kv ...string) string {
	q := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			q.Set(kv[i], kv[i+1])
		}
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
