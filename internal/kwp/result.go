package kwp

import (
	"errors"
	"fmt"
)

// ResultCode is the uniform result of every session operation. Non-success
// codes implement error.
type ResultCode uint8

const (
	Success ResultCode = iota
	Timeout
	BadEcho
	Unexpected
	BadBlockCounter
	ReceivedNAK
	LoginRejected
	BadChecksum
	DataTooLong
	NotConnected
)

var resultNames = map[ResultCode]string{
	Success:         "success",
	Timeout:         "timeout",
	BadEcho:         "bad echo",
	Unexpected:      "unexpected response",
	BadBlockCounter: "bad block counter",
	ReceivedNAK:     "received NAK",
	LoginRejected:   "login rejected",
	BadChecksum:     "bad checksum",
	DataTooLong:     "data too long",
	NotConnected:    "not connected",
}

func (c ResultCode) String() string {
	if s, ok := resultNames[c]; ok {
		return s
	}
	return fmt.Sprintf("result(%d)", uint8(c))
}

func (c ResultCode) Error() string {
	return "kwp: " + c.String()
}

// Err returns nil for Success and the code itself otherwise.
func (c ResultCode) Err() error {
	if c == Success {
		return nil
	}
	return c
}

// Code extracts the ResultCode carried by err. A nil error is Success; an
// error that carries no code is reported as Unexpected.
func Code(err error) ResultCode {
	if err == nil {
		return Success
	}
	var rc ResultCode
	if errors.As(err, &rc) {
		return rc
	}
	return Unexpected
}
