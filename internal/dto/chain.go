package dto

// ── 接力链模块 DTO ──

// ChainCountQuery seed / reseed 的 count 参数
type ChainCountQuery struct {
	Count int `form:"count" binding:"required,min=1,max=100"`
}

// ChainListQuery 链列表查询参数
type ChainListQuery struct {
	Phase string `form:"phase" binding:"omitempty,oneof=ENTRY EXIT"`
}

// SetHolderRequest 人工指定持有人
type SetHolderRequest struct {
	StudentID string `json:"studentId" binding:"required,max=64"`
}

// SeedResponse seed / reseed 响应
type SeedResponse struct {
	ChainsCreated  int             `json:"chainsCreated"`
	InitialHolders []string        `json:"initialHolders"`
	Chains         []ChainResponse `json:"chains"`
}

// ChainResponse 接力链快照
type ChainResponse struct {
	ChainID    string `json:"chainId"`
	SessionID  string `json:"sessionId"`
	Phase      string `json:"phase"`
	Index      int    `json:"index"`
	State      string `json:"state"`
	LastHolder string `json:"lastHolder,omitempty"`
	LastSeq    int64  `json:"lastSeq"`
	LastAt     string `json:"lastAt,omitempty"`
}

// CloseChainResponse 收链响应
type CloseChainResponse struct {
	FinalHolder string `json:"finalHolder"`
}

// SetHolderResponse 指定持有人响应
type SetHolderResponse struct {
	NewHolder string `json:"newHolder"`
	Sequence  int64  `json:"sequence"`
}

// ChainHopResponse 交接历史
type ChainHopResponse struct {
	Sequence   int64  `json:"sequence"`
	FromHolder string `json:"fromHolder"`
	ToHolder   string `json:"toHolder"`
	ScannedAt  string `json:"scannedAt"`
}

// StallAlert 卡链告警：当前会话全部 STALLED 链的完整快照
type StallAlert struct {
	ChainIDs []string `json:"chainIds"`
}
