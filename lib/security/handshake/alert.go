package handshake

import "fmt"

type alertLevel uint8

const (
	alertWarning alertLevel = 1
	alertFatal   alertLevel = 2
)

// AlertCode identifies the reason carried by an alert record.
type AlertCode uint8

const (
	AlertCloseNotify       AlertCode = 0
	AlertUnexpectedMessage AlertCode = 10
	AlertBadRecordMAC      AlertCode = 20
	AlertHandshakeFailure  AlertCode = 40
	AlertBadCertificate    AlertCode = 42
	AlertDecodeError       AlertCode = 50
	AlertInternalError     AlertCode = 80
)

func (c AlertCode) String() string {
	switch c {
	case AlertCloseNotify:
		return "close_notify"
	case AlertUnexpectedMessage:
		return "unexpected_message"
	case AlertBadRecordMAC:
		return "bad_record_mac"
	case AlertHandshakeFailure:
		return "handshake_failure"
	case AlertBadCertificate:
		return "bad_certificate"
	case AlertDecodeError:
		return "decode_error"
	case AlertInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("alert(%d)", uint8(c))
	}
}

type alert struct {
	Level alertLevel
	Code  AlertCode
}

func (a alert) marshal() []byte {
	return []byte{byte(a.Level), byte(a.Code)}
}

func parseAlert(body []byte) (alert, error) {
	if len(body) != 2 {
		return alert{}, ErrBadRecord
	}
	return alert{Level: alertLevel(body[0]), Code: AlertCode(body[1])}, nil
}
