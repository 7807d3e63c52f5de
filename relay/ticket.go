package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidTicket rejects a rejoin ticket that is forged, expired or
// incomplete.
var ErrInvalidTicket = errors.New("relay: invalid ticket")

// Ticket is the identity a reconnecting client resumes.
type Ticket struct {
	RoomID   string
	UserID   string
	UserName string
}

type ticketClaims struct {
	Room string `json:"room"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TicketManager signs and verifies rejoin tickets.
type TicketManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTicketManager(secret []byte, ttl time.Duration) *TicketManager {
	return &TicketManager{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (m *TicketManager) Issue(t Ticket) (string, error) {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ticketClaims{
		Room: t.RoomID,
		Name: t.UserName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   t.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	})

	return token.SignedString(m.secret)
}

func (m *TicketManager) Verify(ticket string) (*Ticket, error) {
	claims := &ticketClaims{}
	token, err := jwt.ParseWithClaims(ticket, claims, func(jwtToken *jwt.Token) (interface{}, error) {
		if _, ok := jwtToken.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected method: %s", jwtToken.Header["alg"])
		}

		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}

	if !token.Valid || claims.Subject == "" || claims.Room == "" {
		return nil, ErrInvalidTicket
	}

	return &Ticket{
		RoomID:   claims.Room,
		UserID:   claims.Subject,
		UserName: claims.Name,
	}, nil
}
