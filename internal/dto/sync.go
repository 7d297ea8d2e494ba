package dto

// SyncRunRequest captures POST /sync/runs payload.
type SyncRunRequest struct {
	ArchivePath string   `json:"archivePath" validate:"required"`
	Categories  []string `json:"categories"`
	Structures  []string `json:"structures,omitempty"`
	Apply       bool     `json:"apply"`
}
