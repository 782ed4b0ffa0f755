package replication

import "fmt"

// ReplicationError reports a single backend's failure during fan-out. It is
// recorded in the per-backend result map and never aborts the other targets.
type ReplicationError struct {
	CID     string
	Backend string
	Err     error
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("replicating %s to %s: %v", e.CID, e.Backend, e.Err)
}

func (e *ReplicationError) Unwrap() error { return e.Err }

// BackupIOError reports an unreadable or unwritable backup file. Fatal for
// the export/import call only.
type BackupIOError struct {
	Path string
	Op   string
	Err  error
}

func (e *BackupIOError) Error() string {
	return fmt.Sprintf("backup %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *BackupIOError) Unwrap() error { return e.Err }
