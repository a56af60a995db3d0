// Package readmodel 维护 installed_plugins 读模型。
//
// 运行时组件只发布 Update，由单独的 Writer 异步写入 Store，
// 读模型从不反过来驱动进程或连接的内存状态。
package readmodel

import (
	"slices"
	"time"
)

// 读模型中出现的状态。进程状态沿用 supervisor 的取值。
const (
	StatusInstalled    = "installed"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// InstallTypeExternal 标记未经安装器、直接连上来的插件。
const InstallTypeExternal = "external"

// Record 是 installed_plugins 表中的一行。
type Record struct {
	PluginID    string    `json:"plugin_id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Status      string    `json:"status"`
	InstallType string    `json:"install_type"`
	PID         int       `json:"pid"`
	LastError   string    `json:"last_error,omitempty"`
	InstalledAt time.Time `json:"installed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpdateKind 区分写入与删除。
type UpdateKind string

const (
	UpdateUpsert UpdateKind = "upsert"
	UpdateDelete UpdateKind = "delete"
)

// Update 是一次部分更新，nil 字段保持原值。
// 它会经过队列序列化，所以只包含可 JSON 编码的字段。
type Update struct {
	Kind        UpdateKind `json:"kind"`
	PluginID    string     `json:"plugin_id"`
	Name        *string    `json:"name,omitempty"`
	Version     *string    `json:"version,omitempty"`
	Status      *string    `json:"status,omitempty"`
	InstallType *string    `json:"install_type,omitempty"`
	PID         *int       `json:"pid,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	Installed   bool       `json:"installed,omitempty"`

	// StatusWhen 非空时，只有当前状态在列表中才改写 Status。
	// 记录不存在时当前状态视为空字符串。
	StatusWhen []string `json:"status_when,omitempty"`
	// RequireExisting 为 true 时，记录不存在则忽略整条更新。
	RequireExisting bool `json:"require_existing,omitempty"`

	At time.Time `json:"at"`
}

// Apply 把更新合并到 cur（可为 nil），返回新记录以及是否需要写入。
func (u Update) Apply(cur *Record) (Record, bool) {
	if cur == nil && u.RequireExisting {
		return Record{}, false
	}
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}

	var rec Record
	if cur != nil {
		rec = *cur
	} else {
		rec = Record{PluginID: u.PluginID, InstallType: InstallTypeExternal}
	}

	if u.Name != nil {
		rec.Name = *u.Name
	}
	if u.Version != nil {
		rec.Version = *u.Version
	}
	if u.InstallType != nil && *u.InstallType != "" {
		rec.InstallType = *u.InstallType
	}
	if u.PID != nil {
		rec.PID = *u.PID
	}
	if u.LastError != nil {
		rec.LastError = *u.LastError
	}
	if u.Status != nil && (len(u.StatusWhen) == 0 || slices.Contains(u.StatusWhen, rec.Status)) {
		rec.Status = *u.Status
	}
	if u.Installed || rec.InstalledAt.IsZero() {
		rec.InstalledAt = at
	}
	rec.UpdatedAt = at
	return rec, true
}

func ptr[T any](v T) *T { return &v }
