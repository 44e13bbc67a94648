package lottery

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

type DrawState string

const (
	DrawStateScheduled DrawState = "scheduled"
	DrawStateDrawing   DrawState = "drawing"
	DrawStateDrawn     DrawState = "drawn"
	DrawStateHalted    DrawState = "halted"
)

type Round struct {
	ID             uint64     `json:"round_id"`
	Type           Type       `json:"lottery_type"`
	TicketPrice    uint64     `json:"ticket_price"`
	MaxTickets     uint32     `json:"max_tickets"`
	DrawAt         time.Time  `json:"draw_timestamp"`
	IsDrawn        bool       `json:"is_drawn"`
	State          DrawState  `json:"draw_state"`
	PrizePool      uint64     `json:"prize_pool"`
	TicketsSold    uint32     `json:"tickets_sold"`
	WinningNumbers []uint32   `json:"winning_numbers"`
	HaltReason     string     `json:"halt_reason,omitempty"`
	DrawnAt        *time.Time `json:"drawn_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewRound builds the scheduled round for lottery type t closing at drawAt.
func NewRound(t Type, drawAt time.Time) Round {
	params := t.Params()
	return Round{
		Type:        t,
		TicketPrice: params.TicketPrice,
		MaxTickets:  params.MaxTickets,
		DrawAt:      drawAt.UTC(),
		State:       DrawStateScheduled,
	}
}

type Ticket struct {
	RoundID           uint64           `json:"round_id"`
	Number            uint32           `json:"ticket_number"`
	Wallet            solana.PublicKey `json:"wallet"`
	PurchasedAt       time.Time        `json:"purchased_at"`
	ReferralCode      string           `json:"referral_code,omitempty"`
	PurchaseSignature string           `json:"purchase_signature"`
	IsWinner          bool             `json:"is_winner"`
	Tier              *int             `json:"tier,omitempty"`
	Claimed           bool             `json:"claimed"`
}

type Prize struct {
	ID             uuid.UUID        `json:"id"`
	DrawID         uuid.UUID        `json:"draw_id"`
	RoundID        uint64           `json:"round_id"`
	Type           Type             `json:"lottery_type"`
	Wallet         solana.PublicKey `json:"wallet"`
	TicketNumber   uint32           `json:"ticket_number"`
	TicketAddress  solana.PublicKey `json:"ticket_address"`
	Tier           int              `json:"tier"`
	Amount         uint64           `json:"amount"`
	Claimed        bool             `json:"claimed"`
	ClaimedAt      *time.Time       `json:"claimed_at,omitempty"`
	ClaimSignature string           `json:"claim_signature,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Draw is the audit record of one settled round.
type Draw struct {
	ID          uuid.UUID `json:"id"`
	RoundID     uint64    `json:"round_id"`
	RequestID   string    `json:"request_id"`
	Randomness  []byte    `json:"randomness"`
	TicketCount uint64    `json:"total_tickets"`
	WinnerCount uint64    `json:"total_winners"`
	PrizePool   uint64    `json:"prize_pool"`
	Dust        uint64    `json:"dust"`
	DrawnAt     time.Time `json:"drawn_at"`
}

// DrawRecord is a settled draw with what anyone needs to re-run it: the randomness, the
// round's winning numbers and the prizes it created.
type DrawRecord struct {
	Draw
	Type           Type     `json:"lottery_type"`
	WinningNumbers []uint32 `json:"winning_numbers"`
	Prizes         []Prize  `json:"prizes,omitempty"`
}
