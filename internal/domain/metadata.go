package domain

// Metadata describes an origin file as reported by a HEAD probe.
type Metadata struct {
	ContentLength int64
	ContentType   string
	LastModified  string
	ETag          string
}
