package dto

// ── 扫码模块 DTO ──

// ScanMetadata 扫码端附带的位置 / 设备信息
type ScanMetadata struct {
	Lat       *float64 `json:"lat"       binding:"omitempty,min=-90,max=90"`
	Lng       *float64 `json:"lng"       binding:"omitempty,min=-180,max=180"`
	AccuracyM *float64 `json:"accuracyM" binding:"omitempty,min=0"`
	DeviceID  string   `json:"deviceId"  binding:"omitempty,max=128"`
}

// ScanRequest 扫码请求；扫码学生身份取自 JWT，不信任请求体
type ScanRequest struct {
	TokenID  string       `json:"tokenId"  binding:"required,max=64"`
	Etag     string       `json:"etag"     binding:"required,max=64"`
	Metadata ScanMetadata `json:"metadata"`
}

// ChainScanResponse 扫码结果
type ChainScanResponse struct {
	Success         bool       `json:"success"`
	HolderMarked    string     `json:"holderMarked"`
	NewHolder       string     `json:"newHolder,omitempty"`
	NewToken        string     `json:"newToken,omitempty"`
	NewTokenEtag    string     `json:"newTokenEtag,omitempty"`
	NewTokenQR      *QRPayload `json:"newTokenQr,omitempty"`
	Sequence        int64      `json:"sequence,omitempty"`
	LocationWarning string     `json:"locationWarning,omitempty"`
}
