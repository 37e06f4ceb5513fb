package user

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"e2e_messenger/internal/model"
)

func TestUserRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("found", func(mt *mtest.T) {
		id := primitive.NewObjectID()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.users", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: id},
			{Key: "whisper_id", Value: "WSP-ALICE"},
			{Key: "session_token", Value: "tok"},
		}))

		u, err := NewUserRepo(mt.DB).GetByWhisperID(context.Background(), "WSP-ALICE")
		require.NoError(mt, err)
		require.NotNil(mt, u)
		assert.Equal(mt, id, u.ID)
		assert.Equal(mt, "tok", u.SessionToken)
	})

	mt.Run("missing is nil nil", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.users", mtest.FirstBatch))

		u, err := NewUserRepo(mt.DB).GetBySessionToken(context.Background(), "nope")
		require.NoError(mt, err)
		assert.Nil(mt, u)
	})

	mt.Run("empty token skips query", func(mt *mtest.T) {
		u, err := NewUserRepo(mt.DB).GetBySessionToken(context.Background(), "")
		require.NoError(mt, err)
		assert.Nil(mt, u)
	})

	mt.Run("create assigns id", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		u := &model.User{WhisperID: "WSP-BOB", SessionToken: "t2"}
		id, err := NewUserRepo(mt.DB).Create(context.Background(), u)
		require.NoError(mt, err)
		assert.False(mt, id.IsZero())
		assert.Equal(mt, id, u.ID)
	})

	mt.Run("create duplicate", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key"}))

		_, err := NewUserRepo(mt.DB).Create(context.Background(), &model.User{WhisperID: "WSP-BOB"})
		assert.Error(mt, err)
	})
}
