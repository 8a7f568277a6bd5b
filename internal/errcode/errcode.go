// Package errcode defines the flat integer error-code space shared by the
// screen transport components. A Code is itself an error, so it can be
// returned directly, wrapped with context, and matched with errors.Is.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a distributed screen error code. Zero means success.
type Code int32

const DHSuccess Code = 0

// Parameter and validation errors.
const (
	ErrBadValue         Code = -500001
	ErrStringParamEmpty Code = -500002
	ErrJSONParse        Code = -500003
)

// Transport errors.
const (
	ErrTransError          Code = -51000
	ErrTransNullValue      Code = -51001
	ErrTransIllegalParam   Code = -51002
	ErrTransTimeout        Code = -51003
	ErrTransSessionNotOpen Code = -51004
	ErrTransSessionClosed  Code = -51005
	ErrTransNotInit        Code = -51006
	ErrTransCreateSession  Code = -51007
	ErrTransOpenSession    Code = -51008
	ErrTransSendFailed     Code = -51009
)

// Codec and image processor errors.
const (
	ErrCodecCreateFailed    Code = -52000
	ErrCodecConfigureFailed Code = -52001
	ErrCodecSurfaceError    Code = -52002
	ErrCodecPrepareFailed   Code = -52003
	ErrCodecStartFailed     Code = -52004
	ErrCodecStopFailed      Code = -52005
	ErrCodecReleaseFailed   Code = -52006
	ErrCodecError           Code = -52007
	ErrProcessorNotInit     Code = -52008
	ErrCodecQueueFailed     Code = -52009
)

// Softbus errors.
const (
	ErrSoftbusSessionServer  Code = -53000
	ErrSoftbusNoPeer         Code = -53001
	ErrSoftbusLinkFailed     Code = -53002
	ErrSoftbusNoListener     Code = -53003
	ErrSoftbusSessionUnknown Code = -53004
)

// Byte ring errors.
const (
	ErrRingNotInit Code = -54000
)

var names = map[Code]string{
	DHSuccess:                "success",
	ErrBadValue:              "bad value",
	ErrStringParamEmpty:      "string param empty",
	ErrJSONParse:             "json parse failed",
	ErrTransError:            "trans error",
	ErrTransNullValue:        "trans null value",
	ErrTransIllegalParam:     "trans illegal param",
	ErrTransTimeout:          "trans timeout",
	ErrTransSessionNotOpen:   "trans session not open",
	ErrTransSessionClosed:    "trans session closed",
	ErrTransNotInit:          "trans not initialized",
	ErrTransCreateSession:    "trans create session failed",
	ErrTransOpenSession:      "trans open session failed",
	ErrTransSendFailed:       "trans send failed",
	ErrCodecCreateFailed:     "codec create failed",
	ErrCodecConfigureFailed:  "codec configure failed",
	ErrCodecSurfaceError:     "codec surface error",
	ErrCodecPrepareFailed:    "codec prepare failed",
	ErrCodecStartFailed:      "codec start failed",
	ErrCodecStopFailed:       "codec stop failed",
	ErrCodecReleaseFailed:    "codec release failed",
	ErrCodecError:            "codec error",
	ErrProcessorNotInit:      "image processor not initialized",
	ErrCodecQueueFailed:      "codec queue input failed",
	ErrSoftbusSessionServer:  "softbus session server error",
	ErrSoftbusNoPeer:         "softbus peer unknown",
	ErrSoftbusLinkFailed:     "softbus link failed",
	ErrSoftbusNoListener:     "softbus listener not registered",
	ErrSoftbusSessionUnknown: "softbus session unknown",
	ErrRingNotInit:           "byte ring not initialized",
}

func (c Code) Error() string {
	if name, ok := names[c]; ok {
		return fmt.Sprintf("%s (%d)", name, int32(c))
	}
	return fmt.Sprintf("error code %d", int32(c))
}

// Int32 returns the raw code value.
func (c Code) Int32() int32 {
	return int32(c)
}

// Of extracts the Code carried by err. It returns DHSuccess for a nil error
// and ErrTransError for errors that carry no code.
func Of(err error) Code {
	if err == nil {
		return DHSuccess
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return ErrTransError
}
