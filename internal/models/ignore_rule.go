package models

import "time"

// IgnoreRule skips discovered sources or rows whose identifier matches Pattern.
type IgnoreRule struct {
	ID         string     `json:"id" yaml:"-"`
	SourceType SourceType `json:"source_type" yaml:"source_type"`
	Pattern    string     `json:"pattern" yaml:"pattern"`
	CreatedAt  time.Time  `json:"created_at" yaml:"-"`
}
