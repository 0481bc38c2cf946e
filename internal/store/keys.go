package store

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	conversationPrefix = "conv/"
	messagePrefix      = "msg/"
	messageIndexPrefix = "msgid/"
	credentialPrefix   = "cred/"
	chunkPrefix        = "chunk/"
	donePrefix         = "done/"
	identityKey        = "identity/self"
)

func conversationKey(id uuid.UUID) string { return conversationPrefix + id.String() }

func messagesPrefix(convID uuid.UUID) string { return messagePrefix + convID.String() + "/" }

func messageIndexKey(convID, msgID uuid.UUID) string {
	return messageIndexPrefix + convID.String() + "/" + msgID.String()
}

func credentialKey(convID uuid.UUID) string { return credentialPrefix + convID.String() }

func chunksPrefix(sender uuid.UUID, fullID uint32) string {
	return fmt.Sprintf("%s%s/%d/", chunkPrefix, sender, fullID)
}

func doneKey(sender uuid.UUID, fullID uint32) string {
	return fmt.Sprintf("%s%s/%d", donePrefix, sender, fullID)
}
