package dto

// QR 载荷类型
const (
	QRTypeChain      = "CHAIN"
	QRTypeExitChain  = "EXIT_CHAIN"
	QRTypeLateEntry  = "LATE_ENTRY"
	QRTypeEarlyLeave = "EARLY_LEAVE"
)

// QRPayload 扫码端解析的二维码内容；Exp 为 Unix 毫秒
type QRPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	TokenID   string `json:"tokenId"`
	Etag      string `json:"etag"`
	HolderID  string `json:"holderId,omitempty"`
	Exp       int64  `json:"exp"`
}

// RotatingQRResponse late-qr / early-qr 响应
type RotatingQRResponse struct {
	Token  *QRPayload `json:"token"`
	Active bool       `json:"active"`
}
