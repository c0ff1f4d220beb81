package aiclient

import "encoding/json"

// 字段名与 tilawa-core-ai 的响应模型保持一致（snake_case）。

// Classification is the /quran/is-quran response. Raw keeps the whole body
// so the analysis blob can store fields this struct does not model.
type Classification struct {
	IsQuran            bool     `json:"is_quran"`
	Label              string   `json:"label"`
	QuranConfidence    float64  `json:"quran_confidence"`
	MainSurah          *int     `json:"main_surah"`
	AyahStart          *int     `json:"ayah_start"`
	AyahEnd            *int     `json:"ayah_end"`
	RecitationAccuracy *float64 `json:"recitation_accuracy"`
	IssuesCount        int      `json:"issues_count"`

	Raw json.RawMessage `json:"-"`
}

type AlignedVerse struct {
	Surah      int     `json:"surah"`
	Ayah       int     `json:"ayah"`
	Confidence float64 `json:"confidence"`
}

// Alignment is the /quran/align response.
type Alignment struct {
	Verses         []AlignedVerse `json:"verses"`
	IntegrityScore int            `json:"integrity_score"`
	Flags          []string       `json:"flags"`

	Raw json.RawMessage `json:"-"`
}

// CalibrationResult is the /audio/calibrate response.
type CalibrationResult struct {
	VoiceProfile      map[string]float64 `json:"voice_profile"`
	NoiseProfile      map[string]float64 `json:"noise_profile"`
	RecommendedParams map[string]float64 `json:"recommended_params"`
}
