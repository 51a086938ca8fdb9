package models

// PreUploadReq is the transfer proposal, shared by v1 send-request and
// v2 prepare-upload.
type PreUploadReq struct {
	Info  *SenderInfo `json:"info"`
	Files FileMetas   `json:"files"`
}

type FileMetas map[string]FileMeta

// PreUploadResp is the v2 answer to an accepted proposal.
type PreUploadResp struct {
	SessionId string     `json:"sessionId"`
	Tokens    FileTokens `json:"files"`
}

func NewPreUploadResp(sessionId string, tokens FileTokens) *PreUploadResp {
	if tokens == nil {
		tokens = make(FileTokens)
	}
	return &PreUploadResp{
		SessionId: sessionId,
		Tokens:    tokens,
	}
}

// FileTokens maps file id to upload token. The v1 send-request answers
// with this map alone.
type FileTokens map[string]string
