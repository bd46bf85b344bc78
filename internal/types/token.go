package types

import (
	"fmt"

	"github.com/google/uuid"
)

// reservationNamespace scopes derived reservation tokens away from every
// other uuid produced by the system.
var reservationNamespace = uuid.MustParse("7b1d2c9e-4f7a-4c5e-9a1b-3d8e6f2a0c41")

// ReservationToken derives the correlation token for a proposal's hold.
// The token is a pure function of the proposal id and kind, so release and
// link operations need only the proposal id.
func ReservationToken(proposalID uint, kind ReservationKind) string {
	return uuid.NewSHA1(reservationNamespace, []byte(fmt.Sprintf("%s:%d", kind, proposalID))).String()
}
