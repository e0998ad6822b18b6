package syncdto

// CreateGameRequest asks the persistence API to open a game record.
type CreateGameRequest struct {
	UserID   string `json:"user_id,omitempty"`
	UserSide string `json:"user_side"`
	StartFEN string `json:"start_fen"`
	BoardID  string `json:"board_id,omitempty"`
}

type CreateGameResponse struct {
	GameID string `json:"game_id"`
}

// MoveRecord is one persisted history entry. Seq is the zero-based index in
// the session history and is unique per game; resync gaps carry Gap=true and
// no move fields.
type MoveRecord struct {
	GameID         string `json:"game_id"`
	Seq            int    `json:"seq"`
	MoveNumber     int    `json:"move_number"`
	Side           string `json:"side"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	Piece          string `json:"piece,omitempty"`
	Captured       string `json:"captured,omitempty"`
	Promotion      string `json:"promotion,omitempty"`
	Notation       string `json:"notation,omitempty"`
	ResultsInCheck bool   `json:"results_in_check"`
	ResultingFEN   string `json:"resulting_fen"`
	Gap            bool   `json:"gap,omitempty"`
}

type BatchSaveRequest struct {
	GameID string       `json:"game_id"`
	Moves  []MoveRecord `json:"moves"`
}

// Result values as seen from the user's side.
const (
	ResultWin  = "win"
	ResultLose = "lose"
	ResultDraw = "draw"
)

type ResultRecord struct {
	GameID     string `json:"game_id"`
	Result     string `json:"result"`
	Status     string `json:"status"`
	Method     string `json:"method,omitempty"`
	TotalMoves int    `json:"total_moves"`
	FinalFEN   string `json:"final_fen"`
	PGN        string `json:"pgn,omitempty"`
}

type PauseRequest struct {
	GameID string `json:"game_id"`
	FEN    string `json:"fen"`
}

type ResumeResponse struct {
	GameID string `json:"game_id"`
	FEN    string `json:"fen"`
}
