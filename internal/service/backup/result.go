package backup

import "time"

// BackupResult is BackupUploaded or BackupFailed.
type BackupResult interface {
	isBackupResult()
}

type (
	BackupUploaded struct {
		Contacts  int
		UpdatedAt time.Time
	}

	BackupFailed struct {
		Err error
	}
)

func (BackupUploaded) isBackupResult() {}
func (BackupFailed) isBackupResult()   {}

// RestoreResult is Restored, NoBackup or RestoreFailed.
type RestoreResult interface {
	isRestoreResult()
}

type (
	Restored struct {
		Contacts int
	}

	NoBackup struct{}

	RestoreFailed struct {
		Err error
	}
)

func (Restored) isRestoreResult()      {}
func (NoBackup) isRestoreResult()      {}
func (RestoreFailed) isRestoreResult() {}
