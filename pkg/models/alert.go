package models

import "time"

// AlertDedupeRecord tracks how often an alert signature was seen and when it
// was last forwarded to the sink.
type AlertDedupeRecord struct {
	Signature   string     `db:"signature"     json:"signature"`
	LastSentAt  *time.Time `db:"last_sent_at"  json:"last_sent_at,omitempty"`
	SentCount   int        `db:"sent_count"    json:"sent_count"`
	LastSubject string     `db:"last_subject"  json:"last_subject"`
	LastBody    string     `db:"last_body"     json:"last_body"`
	UpdatedAt   time.Time  `db:"updated_at"    json:"updated_at"`
}
