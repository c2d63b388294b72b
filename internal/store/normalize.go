package store

import "github.com/kiranshivaraju/autopost/pkg/models"

// Statuses an operator may move to cancelled or sent.
var (
	CancellableStatuses = []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusRunning,
		models.JobStatusNeedsUserAction,
	}
	CompletableStatuses = []models.JobStatus{
		models.JobStatusNeedsUserAction,
		models.JobStatusPending,
		models.JobStatusRunning,
	}
)

// normalizeJob turns a raw row into the canonical Job shape. Older rows may
// carry upper-case statuses, legacy platform tags, empty-string optionals or
// a negative attempt count.
func normalizeJob(j *models.Job) *models.Job {
	j.Status = models.ParseJobStatus(string(j.Status))
	j.Platform = models.ParsePlatform(string(j.Platform))
	if j.Attempts < 0 {
		j.Attempts = 0
	}
	if j.LastError != nil && *j.LastError == "" {
		j.LastError = nil
	}
	if j.ExternalPostID != nil && *j.ExternalPostID == "" {
		j.ExternalPostID = nil
	}
	if j.DraftID != nil && *j.DraftID == "" {
		j.DraftID = nil
	}
	j.RunAt = j.RunAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	return j
}

func normalizeConnection(c *models.ProviderConnection) *models.ProviderConnection {
	c.Platform = models.ParsePlatform(string(c.Platform))
	if c.AccessToken != nil && *c.AccessToken == "" {
		c.AccessToken = nil
	}
	if c.RefreshToken != nil && *c.RefreshToken == "" {
		c.RefreshToken = nil
	}
	if c.ExpiresAt != nil {
		t := c.ExpiresAt.UTC()
		c.ExpiresAt = &t
	}
	return c
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func platformStrings(platforms []models.Platform) []string {
	out := make([]string, len(platforms))
	for i, p := range platforms {
		out[i] = string(p)
	}
	return out
}

// NormalizeJob is the exported form used by in-memory Store implementations.
func NormalizeJob(j *models.Job) *models.Job {
	return normalizeJob(j)
}
