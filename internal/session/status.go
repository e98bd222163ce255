package session

import "github.com/loqalabs/shop-voice/internal/answer"

// Status texts shown to the shop customer.
const (
	TextIdle        = "พร้อมพูด"
	TextListening   = "กำลังฟัง... พูดคำถามได้เลย"
	TextStopped     = "หยุดฟังแล้ว"
	TextProcessing  = "ได้ข้อความแล้ว กำลังส่งไปถามระบบ..."
	TextDone        = "เสร็จสิ้น"
	TextFailed      = "เกิดข้อผิดพลาด"
	TextUnsupported = "เบราว์เซอร์นี้ไม่รองรับ Web Speech API (แนะนำ Chrome เท่านั้น)"
)

// StatusText derives the status readout from the state alone.
func (s State) StatusText() string {
	switch s.Status {
	case StatusListening:
		return TextListening
	case StatusStopped:
		return TextStopped
	case StatusProcessing:
		return TextProcessing
	case StatusDone:
		return TextDone
	case StatusFailed:
		if s.EngineError != "" {
			return TextFailed + ": " + s.EngineError
		}
		return TextFailed
	case StatusUnsupported:
		return TextUnsupported
	default:
		return TextIdle
	}
}

// View is the read-only projection rendered by the control surfaces.
type View struct {
	CycleID    string        `json:"cycle_id,omitempty"`
	Status     string        `json:"status"`
	StatusText string        `json:"status_text"`
	Listening  bool          `json:"listening"`
	CanStart   bool          `json:"can_start"`
	CanStop    bool          `json:"can_stop"`
	Result     answer.Result `json:"result"`
}

func (s State) View() View {
	supported := s.Status != StatusUnsupported
	return View{
		CycleID:    s.CycleID,
		Status:     s.Status.String(),
		StatusText: s.StatusText(),
		Listening:  s.Listening,
		CanStart:   supported && !s.Listening,
		CanStop:    supported && s.Listening,
		Result:     s.Result,
	}
}
