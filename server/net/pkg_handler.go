package net

import (
	"github.com/zhukovaskychina/mikrotik-manager/server/protocol"

	jerrors "github.com/juju/errors"
)

// SentencePkgHandler frames the byte stream into API sentences. One package
// is one sentence, terminated by the empty word.
type SentencePkgHandler struct{}

func NewSentencePkgHandler() *SentencePkgHandler {
	return &SentencePkgHandler{}
}

// Read peels one sentence off the head of data. A short buffer returns
// (nil, 0, nil) so the session reads more bytes; an illegal length prefix is
// a framing error that poisons the connection.
func (h *SentencePkgHandler) Read(ss Session, data []byte) (interface{}, int, error) {
	s, n, err := protocol.DecodeSentence(data)
	if err != nil {
		if jerrors.Cause(err) == protocol.ErrNotEnoughStream {
			return nil, 0, nil
		}
		return nil, 0, jerrors.Trace(err)
	}
	return s, n, nil
}

// Write marshals an outgoing package: either a ready wire buffer or a
// sentence to encode.
func (h *SentencePkgHandler) Write(ss Session, pkg interface{}) ([]byte, error) {
	switch p := pkg.(type) {
	case []byte:
		return p, nil
	case protocol.Sentence:
		return protocol.AppendSentence(nil, p), nil
	}
	return nil, jerrors.Errorf("illegal pkg:%+v", pkg)
}
