package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestPairMatchesBothDirections(t *testing.T) {
	f := Pair("alice", "bob")
	assert.Equal(t, []bson.M{
		{"sender_id": "alice", "receiver_id": "bob"},
		{"sender_id": "bob", "receiver_id": "alice"},
	}, f["$or"])
}

func TestParticipant(t *testing.T) {
	f := Participant("alice")
	assert.Equal(t, []bson.M{{"sender_id": "alice"}, {"receiver_id": "alice"}}, f["$or"])
}

func TestFilterBuilder(t *testing.T) {
	f := NewFilter().Eq("_id", "m1").Ne("deleted_for_all", true).Build()
	assert.Equal(t, bson.M{"_id": "m1", "deleted_for_all": bson.M{"$ne": true}}, f)

	assert.Empty(t, NewFilter().Or().Build())
}
