package models

import "time"

// Recording 状态机：uploaded -> processing -> done | error。
// 任务层重试会出现 error -> processing 的回跳，轮询端可能看到短暂 error。
const (
	StatusUploaded   = "UPLOADED"
	StatusProcessing = "PROCESSING"
	StatusDone       = "DONE"
	StatusError      = "ERROR"
)

type User struct {
	ID          string `gorm:"primaryKey;size:64" json:"id"`
	Email       string `gorm:"size:256" json:"email"`
	DisplayName string `gorm:"size:128" json:"displayName"`
	Enabled     bool   `json:"enabled"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Recording 一次上传及其处理结果
type Recording struct {
	ID       string `gorm:"primaryKey;size:64" json:"id"`
	UserID   string `gorm:"size:64;index" json:"userId"`
	FileName string `gorm:"size:512" json:"fileName"`
	Status   string `gorm:"size:32;index" json:"status"`

	// 存储内是相对 key，对外 URL 由 Query 服务在读取时映射
	OriginalPath string `gorm:"size:1024" json:"-"`
	EnhancedPath string `gorm:"size:1024" json:"-"`

	IsQuran            *bool    `json:"isQuran"`
	MainSurah          *int     `json:"mainSurah"`          // 1..114
	AyahStart          *int     `json:"ayahStart"`
	AyahEnd            *int     `json:"ayahEnd"`
	RecitationAccuracy *float64 `json:"recitationAccuracy"` // 0..1

	// 分类 + 对齐的完整上游返回，JSON 文本，内部结构归 AI 服务所有
	Analysis string `gorm:"type:text" json:"-"`

	JobID        string `gorm:"size:64" json:"jobId"`
	Attempts     int    `json:"attempts"`
	ErrorMessage string `gorm:"type:text" json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CalibrationProfile 一次校准的结果，创建后不再修改；
// 重新校准新增一行，不做版本管理。
type CalibrationProfile struct {
	ID          string `gorm:"primaryKey;size:64" json:"id"`
	UserID      string `gorm:"size:64;index" json:"userId"`
	SampleCount int    `json:"sampleCount"`

	VoiceProfile      string `gorm:"type:text" json:"voiceProfile"`
	NoiseProfile      string `gorm:"type:text" json:"noiseProfile"`
	RecommendedParams string `gorm:"type:text" json:"recommendedParams"`

	CreatedAt time.Time `json:"createdAt"`
}

// Terminal reports whether no further automatic transition can occur.
func (r *Recording) Terminal() bool {
	return r.Status == StatusDone || r.Status == StatusError
}
