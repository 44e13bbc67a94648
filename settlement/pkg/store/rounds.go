package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/settlement/pkg/draw"
	"github.com/powersol/settlement/settlement/pkg/lottery"
)

var _ draw.Store = (*Store)(nil)

const roundColumns = `id, lottery_type, ticket_price, max_tickets, draw_at, is_drawn, draw_state,
	prize_pool, tickets_sold, winning_numbers, halt_reason, drawn_at, created_at`

func scanRound(row pgx.Row) (lottery.Round, error) {
	var (
		r          lottery.Round
		id         int64
		typ        string
		price      int64
		maxTickets int32
		state      string
		pool       int64
		sold       int32
		numbers    []int32
		halt       *string
	)
	if err := row.Scan(&id, &typ, &price, &maxTickets, &r.DrawAt, &r.IsDrawn, &state,
		&pool, &sold, &numbers, &halt, &r.DrawnAt, &r.CreatedAt); err != nil {
		return lottery.Round{}, err
	}
	t, err := lottery.ParseType(typ)
	if err != nil {
		return lottery.Round{}, err
	}
	r.ID = uint64(id)
	r.Type = t
	r.TicketPrice = uint64(price)
	r.MaxTickets = uint32(maxTickets)
	r.State = lottery.DrawState(state)
	r.PrizePool = uint64(pool)
	r.TicketsSold = uint32(sold)
	r.WinningNumbers = make([]uint32, len(numbers))
	for i, n := range numbers {
		r.WinningNumbers[i] = uint32(n)
	}
	r.HaltReason = derefString(halt)
	return r, nil
}

func collectRounds(rows pgx.Rows) ([]lottery.Round, error) {
	defer rows.Close()
	out := []lottery.Round{}
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rounds: %w", err)
	}
	return out, nil
}

func (s *Store) Round(ctx context.Context, id uint64) (lottery.Round, error) {
	r, err := scanRound(s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return lottery.Round{}, apperr.NotFound(fmt.Sprintf("round %d not found", id))
	}
	if err != nil {
		return lottery.Round{}, fmt.Errorf("failed to load round: %w", err)
	}
	return r, nil
}

func (s *Store) DueRounds(ctx context.Context, now time.Time) ([]lottery.Round, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roundColumns+`
		FROM rounds
		WHERE NOT is_drawn AND draw_state IN ('scheduled', 'drawing') AND draw_at <= $1
		ORDER BY draw_at ASC, id ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due rounds: %w", err)
	}
	return collectRounds(rows)
}

func (s *Store) AcquireDraw(ctx context.Context, roundID uint64, now, staleBefore time.Time) (lottery.Round, error) {
	r, err := scanRound(s.pool.QueryRow(ctx, `
		UPDATE rounds
		SET draw_state = 'drawing', draw_started_at = $2
		WHERE id = $1
		  AND NOT is_drawn
		  AND draw_at <= $2
		  AND (draw_state = 'scheduled' OR (draw_state = 'drawing' AND draw_started_at < $3))
		RETURNING `+roundColumns, int64(roundID), now, staleBefore))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return lottery.Round{}, fmt.Errorf("failed to acquire round: %w", err)
	}

	cur, err := s.Round(ctx, roundID)
	if err != nil {
		return lottery.Round{}, err
	}
	switch {
	case cur.IsDrawn:
		return lottery.Round{}, apperr.Conflict(apperr.ReasonAlreadyDrawn, fmt.Sprintf("round %d already drawn", roundID))
	case cur.State == lottery.DrawStateHalted:
		return lottery.Round{}, apperr.Conflict(apperr.ReasonRoundHalted, fmt.Sprintf("round %d is halted: %s", roundID, cur.HaltReason))
	case cur.State == lottery.DrawStateDrawing:
		return lottery.Round{}, apperr.Conflict(apperr.ReasonDrawInProgress, fmt.Sprintf("round %d is being drawn", roundID))
	default:
		return lottery.Round{}, apperr.Validation(apperr.ReasonInvalidInput,
			fmt.Sprintf("round %d is not due until %s", roundID, cur.DrawAt.UTC().Format(time.RFC3339)))
	}
}

func (s *Store) RoundTickets(ctx context.Context, roundID uint64) ([]lottery.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT round_id, ticket_number, wallet, purchased_at, referral_code, purchase_signature,
		       is_winner, tier, claimed
		FROM tickets
		WHERE round_id = $1
		ORDER BY ticket_number ASC
	`, int64(roundID))
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

	tickets := []lottery.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tickets: %w", err)
	}
	return tickets, nil
}

func scanTicket(row pgx.Row) (lottery.Ticket, error) {
	var (
		t       lottery.Ticket
		roundID int64
		number  int32
		wallet  string
		code    *string
		tier    *int32
	)
	if err := row.Scan(&roundID, &number, &wallet, &t.PurchasedAt, &code, &t.PurchaseSignature,
		&t.IsWinner, &tier, &t.Claimed); err != nil {
		return lottery.Ticket{}, err
	}
	pk, err := parseKey(wallet)
	if err != nil {
		return lottery.Ticket{}, err
	}
	t.RoundID = uint64(roundID)
	t.Number = uint32(number)
	t.Wallet = pk
	t.ReferralCode = derefString(code)
	if tier != nil {
		v := int(*tier)
		t.Tier = &v
	}
	return t, nil
}

// CommitDraw writes the whole outcome in one transaction. The round update is the
// compare-and-set: it only matches a round that is still drawing and not drawn.
func (s *Store) CommitDraw(ctx context.Context, o draw.Outcome) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		numbers := make([]int32, len(o.Round.WinningNumbers))
		for i, n := range o.Round.WinningNumbers {
			numbers[i] = int32(n)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE rounds
			SET is_drawn = TRUE, draw_state = 'drawn', prize_pool = $2, winning_numbers = $3,
			    drawn_at = $4, halt_reason = NULL
			WHERE id = $1 AND NOT is_drawn AND draw_state = 'drawing'
		`, int64(o.Round.ID), int64(o.Round.PrizePool), numbers, o.Round.DrawnAt)
		if err != nil {
			return fmt.Errorf("failed to mark round drawn: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.Conflict(apperr.ReasonAlreadyDrawn, fmt.Sprintf("round %d already drawn", o.Round.ID))
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO draws (id, round_id, request_id, randomness, total_tickets, total_winners,
			                   prize_pool, dust, drawn_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, o.Draw.ID, int64(o.Round.ID), o.Draw.RequestID, nonNilBytes(o.Draw.Randomness),
			int64(o.Draw.TicketCount), int64(o.Draw.WinnerCount), int64(o.Draw.PrizePool),
			int64(o.Draw.Dust), o.Draw.DrawnAt)
		if err != nil {
			return fmt.Errorf("failed to insert draw: %w", err)
		}

		if len(o.Prizes) > 0 {
			if err := insertPrizes(ctx, tx, o.Prizes); err != nil {
				return err
			}
		}

		if o.Next != nil {
			n := o.Next
			_, err = tx.Exec(ctx, `
				INSERT INTO rounds (lottery_type, ticket_price, max_tickets, draw_at, draw_state, created_at)
				VALUES ($1, $2, $3, $4, 'scheduled', $5)
			`, n.Type.String(), int64(n.TicketPrice), int32(n.MaxTickets), n.DrawAt, o.Draw.DrawnAt)
			if err != nil {
				return fmt.Errorf("failed to schedule next round: %w", err)
			}
		}
		return nil
	})
}

func insertPrizes(ctx context.Context, tx pgx.Tx, prizes []lottery.Prize) error {
	rows := make([][]any, len(prizes))
	numbers := make([]int32, len(prizes))
	tiers := make([]int32, len(prizes))
	for i, p := range prizes {
		rows[i] = []any{
			p.ID, p.DrawID, int64(p.RoundID), p.Type.String(), p.Wallet.String(), int32(p.TicketNumber),
			p.TicketAddress.String(), int32(p.Tier), int64(p.Amount), p.CreatedAt,
		}
		numbers[i] = int32(p.TicketNumber)
		tiers[i] = int32(p.Tier)
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"prizes"},
		[]string{"id", "draw_id", "round_id", "lottery_type", "wallet", "ticket_number",
			"ticket_address", "tier", "amount", "created_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to insert prizes: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE tickets AS t
		SET is_winner = TRUE, tier = w.tier
		FROM unnest($2::int[], $3::int[]) AS w(ticket_number, tier)
		WHERE t.round_id = $1 AND t.ticket_number = w.ticket_number
	`, int64(prizes[0].RoundID), numbers, tiers)
	if err != nil {
		return fmt.Errorf("failed to mark winning tickets: %w", err)
	}
	if tag.RowsAffected() != int64(len(prizes)) {
		return apperr.Corruption(apperr.ReasonAllocationInvariant,
			fmt.Sprintf("marked %d winning tickets, want %d", tag.RowsAffected(), len(prizes)))
	}
	return nil
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (s *Store) ReleaseDraw(ctx context.Context, roundID uint64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE rounds
		SET draw_state = 'scheduled', draw_started_at = NULL
		WHERE id = $1 AND NOT is_drawn AND draw_state = 'drawing'
	`, int64(roundID))
	if err != nil {
		return fmt.Errorf("failed to release round: %w", err)
	}
	return nil
}

func (s *Store) HaltDraw(ctx context.Context, roundID uint64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE rounds
		SET draw_state = 'halted', draw_started_at = NULL, halt_reason = $2
		WHERE id = $1 AND NOT is_drawn
	`, int64(roundID), reason)
	if err != nil {
		return fmt.Errorf("failed to halt round: %w", err)
	}
	return nil
}

// UnhaltRound returns a halted round to scheduled after manual review.
func (s *Store) UnhaltRound(ctx context.Context, roundID uint64) (lottery.Round, error) {
	r, err := scanRound(s.pool.QueryRow(ctx, `
		UPDATE rounds
		SET draw_state = 'scheduled', halt_reason = NULL
		WHERE id = $1 AND draw_state = 'halted'
		RETURNING `+roundColumns, int64(roundID)))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Round(ctx, roundID); gerr != nil {
			return lottery.Round{}, gerr
		}
		return lottery.Round{}, apperr.Conflict(apperr.ReasonInvalidInput, fmt.Sprintf("round %d is not halted", roundID))
	}
	if err != nil {
		return lottery.Round{}, fmt.Errorf("failed to unhalt round: %w", err)
	}
	return r, nil
}

func (s *Store) PendingRounds(ctx context.Context) ([]lottery.Round, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roundColumns+`
		FROM rounds
		WHERE NOT is_drawn
		ORDER BY draw_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending rounds: %w", err)
	}
	return collectRounds(rows)
}

func (s *Store) RecentDrawnRounds(ctx context.Context, limit int) ([]lottery.Round, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roundColumns+`
		FROM rounds
		WHERE is_drawn
		ORDER BY drawn_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query drawn rounds: %w", err)
	}
	return collectRounds(rows)
}

// EnsureRounds opens the first round of every lottery type that has never had one.
// Returns the rounds it created.
func (s *Store) EnsureRounds(ctx context.Context, now time.Time) ([]lottery.Round, error) {
	created := []lottery.Round{}
	for _, t := range lottery.Types() {
		round := lottery.NewRound(t, t.FirstDraw(now))
		r, err := scanRound(s.pool.QueryRow(ctx, `
			INSERT INTO rounds (lottery_type, ticket_price, max_tickets, draw_at, draw_state, created_at)
			SELECT $1, $2, $3, $4, 'scheduled', $5
			WHERE NOT EXISTS (SELECT 1 FROM rounds WHERE lottery_type = $1)
			RETURNING `+roundColumns,
			t.String(), int64(round.TicketPrice), int32(round.MaxTickets), round.DrawAt, now))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open %s round: %w", t, err)
		}
		s.log.Info("store: opened first round", "round_id", r.ID, "lottery_type", t.String(), "draw_at", r.DrawAt)
		created = append(created, r)
	}
	return created, nil
}

// CreateRound inserts a scheduled round and returns it with its id.
func (s *Store) CreateRound(ctx context.Context, r lottery.Round) (lottery.Round, error) {
	out, err := scanRound(s.pool.QueryRow(ctx, `
		INSERT INTO rounds (lottery_type, ticket_price, max_tickets, draw_at, draw_state, created_at)
		VALUES ($1, $2, $3, $4, 'scheduled', $5)
		RETURNING `+roundColumns,
		r.Type.String(), int64(r.TicketPrice), int32(r.MaxTickets), r.DrawAt, s.cfg.Clock.Now()))
	if err != nil {
		return lottery.Round{}, fmt.Errorf("failed to create round: %w", err)
	}
	return out, nil
}

const drawColumns = `d.id, d.round_id, d.request_id, d.randomness, d.total_tickets, d.total_winners,
	d.prize_pool, d.dust, d.drawn_at, r.lottery_type, r.winning_numbers`

func scanDraw(row pgx.Row) (lottery.DrawRecord, error) {
	var (
		d                                     lottery.DrawRecord
		roundID, tickets, winners, pool, dust int64
		typ                                   string
		numbers                               []int32
	)
	if err := row.Scan(&d.ID, &roundID, &d.RequestID, &d.Randomness, &tickets, &winners,
		&pool, &dust, &d.DrawnAt, &typ, &numbers); err != nil {
		return lottery.DrawRecord{}, err
	}
	t, err := lottery.ParseType(typ)
	if err != nil {
		return lottery.DrawRecord{}, err
	}
	d.RoundID = uint64(roundID)
	d.TicketCount = uint64(tickets)
	d.WinnerCount = uint64(winners)
	d.PrizePool = uint64(pool)
	d.Dust = uint64(dust)
	d.Type = t
	d.WinningNumbers = make([]uint32, len(numbers))
	for i, n := range numbers {
		d.WinningNumbers[i] = uint32(n)
	}
	return d, nil
}

// Draws lists settled draws, newest first, without their prizes.
func (s *Store) Draws(ctx context.Context, limit int) ([]lottery.DrawRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+drawColumns+`
		FROM draws d JOIN rounds r ON r.id = d.round_id
		ORDER BY d.drawn_at DESC, d.round_id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query draws: %w", err)
	}
	defer rows.Close()
	draws := []lottery.DrawRecord{}
	for rows.Next() {
		d, err := scanDraw(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draw: %w", err)
		}
		draws = append(draws, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate draws: %w", err)
	}
	return draws, nil
}

// Draw loads one settled draw with its prizes in tier order.
func (s *Store) Draw(ctx context.Context, id uuid.UUID) (lottery.DrawRecord, error) {
	d, err := scanDraw(s.pool.QueryRow(ctx, `
		SELECT `+drawColumns+`
		FROM draws d JOIN rounds r ON r.id = d.round_id
		WHERE d.id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return lottery.DrawRecord{}, apperr.NotFound("draw not found")
	}
	if err != nil {
		return lottery.DrawRecord{}, fmt.Errorf("failed to load draw: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+prizeColumns+` FROM prizes WHERE draw_id = $1 ORDER BY tier ASC, ticket_number ASC
	`, id)
	if err != nil {
		return lottery.DrawRecord{}, fmt.Errorf("failed to query draw prizes: %w", err)
	}
	defer rows.Close()
	d.Prizes = []lottery.Prize{}
	for rows.Next() {
		p, err := scanPrize(rows)
		if err != nil {
			return lottery.DrawRecord{}, fmt.Errorf("failed to scan prize: %w", err)
		}
		d.Prizes = append(d.Prizes, p)
	}
	if err := rows.Err(); err != nil {
		return lottery.DrawRecord{}, fmt.Errorf("failed to iterate draw prizes: %w", err)
	}
	return d, nil
}
