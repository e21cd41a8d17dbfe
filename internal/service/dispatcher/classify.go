package dispatcher

import (
	"context"
	"errors"
	"net"

	"FinCascade/internal/domain/models"
	xhttp "FinCascade/pkg/http"
)

// Classify maps an error returned by a stage client onto the failure taxonomy.
func Classify(err error) models.FailureKind {
	if err == nil {
		return ""
	}
	var se *xhttp.StatusError
	if errors.As(err, &se) {
		return models.KindRemoteError
	}
	if errors.Is(err, models.ErrMalformedPayload) {
		return models.KindRemoteError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return models.KindTimeout
	}
	return models.KindTransportError
}
