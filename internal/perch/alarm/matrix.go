package alarm

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// MatrixSender is a thin mautrix wrapper satisfying Sender. perchd only ever
// posts notices; it never syncs or joins rooms.
type MatrixSender struct {
	mxc *mautrix.Client
}

// NewMatrixSender connects to the homeserver with a pre-provisioned access
// token.
func NewMatrixSender(homeserver, userID, accessToken string) (*MatrixSender, error) {
	mxc, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	return &MatrixSender{mxc: mxc}, nil
}

// SendNotice posts an m.notice message to the given room.
func (s *MatrixSender) SendNotice(roomID, message string) error {
	_, err := s.mxc.SendNotice(context.Background(), id.RoomID(roomID), message)
	return err
}
