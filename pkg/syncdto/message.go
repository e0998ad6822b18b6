package syncdto

// Kind discriminates inbound and outbound channel messages.
type Kind string

const (
	KindBoardStatus   Kind = "board_status"
	KindMoveDetected  Kind = "move_detected"
	KindMoveExecuted  Kind = "move_executed"
	KindCheckDetected Kind = "check_detected"
	KindIllegalMove   Kind = "illegal_move"
	KindGameOver      Kind = "game_over"

	// outbound only
	KindNotify Kind = "notify"
)

// Message is the decoded form of a channel frame. Only the fields relevant to
// the message kind are populated.
type Message struct {
	Type      Kind   `json:"type"`
	FEN       string `json:"fen,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Promotion string `json:"promotion,omitempty"`
	SAN       string `json:"san,omitempty"`
	Side      string `json:"side,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Winner    string `json:"winner,omitempty"`
	Text      string `json:"text,omitempty"`
	GameID    string `json:"game_id,omitempty"`
}

// HasSnapshot reports whether the message carries a position snapshot.
func (m Message) HasSnapshot() bool { return m.FEN != "" }
