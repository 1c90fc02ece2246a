package registry

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Agent lifecycle states.
const (
	StateRegistered = "registered"
	StateActive     = "active"
)

// Agent captures identity, activity timestamps and alert status for a desktop agent.
type Agent struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Name             string     `gorm:"uniqueIndex;size:64" json:"name"`
	IdentifierHash   string     `gorm:"uniqueIndex" json:"-"`
	State            string     `gorm:"size:32" json:"state"`
	Company          string     `gorm:"index" json:"company"`
	Location         string     `gorm:"index" json:"location"`
	LastTimeOnline   *time.Time `json:"last_time_online"`
	LastDownloadTime *time.Time `json:"last_download_time"`
	LastDownloaded   string     `json:"last_downloaded"`
	DownloadStatus   string     `json:"download_status"`
	FilesChecksum    Checksums  `gorm:"type:text" json:"files_checksum,omitempty"`
	AlertStatus      string     `gorm:"size:128" json:"alert_status"`

	SFTPHost       string `json:"sftp_host"`
	SFTPUsername   string `json:"sftp_username"`
	SFTPPassword   string `json:"-"`
	SFTPFolderPath string `json:"sftp_folder_path"`
	FolderPassword string `json:"-"`
	ManagerHost    string `json:"manager_host"`
	ClientVersion  string `json:"client_version"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// AgentSpec holds the operator-supplied attributes of a new agent.
type AgentSpec struct {
	Name           string `json:"name" binding:"required"`
	Company        string `json:"company"`
	Location       string `json:"location"`
	SFTPHost       string `json:"sftp_host"`
	SFTPUsername   string `json:"sftp_username"`
	SFTPPassword   string `json:"sftp_password"`
	SFTPFolderPath string `json:"sftp_folder_path"`
	FolderPassword string `json:"folder_password"`
	ManagerHost    string `json:"manager_host"`
	ClientVersion  string `json:"client_version"`
}

// AlertRule is a named threshold rule read by the health evaluator.
type AlertRule struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	Name        string        `gorm:"uniqueIndex;size:64" json:"name"`
	Kind        string        `gorm:"size:32" json:"kind"`
	Threshold   time.Duration `json:"threshold"`
	Priority    int           `json:"priority"`
	Subject     string        `json:"subject"`
	Body        string        `gorm:"type:text" json:"body"`
	AlertStatus string        `json:"alert_status"`
	FromEmail   string        `json:"from_email"`
	ToAddresses string        `json:"to_addresses"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Recipient is an additional notification target bound to a company or location.
type Recipient struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	Username       string      `json:"username"`
	Email          string      `gorm:"index" json:"email"`
	AssociatedWith string      `gorm:"index" json:"associated_with"`
	Subscriptions  []AlertRule `gorm:"many2many:recipient_subscriptions" json:"subscriptions"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Subscribed reports whether the recipient opted into the named rule.
func (r Recipient) Subscribed(rule string) bool {
	for _, sub := range r.Subscriptions {
		if sub.Name == rule {
			return true
		}
	}
	return false
}

// ClientRelease maps desktop client versions to the stable/latest flags.
type ClientRelease struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Version   string    `gorm:"uniqueIndex" json:"version"`
	Flag      string    `gorm:"index" json:"flag"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertEvent records a notification delivery attempt.
type AlertEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AgentName string    `gorm:"index" json:"agent_name"`
	RuleName  string    `gorm:"index" json:"rule_name"`
	Status    string    `json:"status"`
	Target    string    `json:"target"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `gorm:"index" json:"sent_at"`
}

// Checksums maps a synchronized file path to its checksum.
type Checksums map[string]string

func (c Checksums) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	data, err := json.Marshal(map[string]string(c))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (c *Checksums) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("checksums: unsupported column type %T", src)
	}
	if len(raw) == 0 {
		*c = nil
		return nil
	}
	out := Checksums{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("checksums: %w", err)
	}
	*c = out
	return nil
}
