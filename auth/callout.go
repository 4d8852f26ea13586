package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/jwt/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Sciphr/chitchat-server-sub000/pkg/otelhelper"
)

// CalloutSubject is the NATS server's auth callout subject.
const CalloutSubject = "$SYS.REQ.USER.AUTH"

// CalloutHandler answers NATS auth callout requests: browser clients present
// a Keycloak token, backend services present static credentials. Authorized
// clients get a scoped user JWT minted by the issuer account key.
type CalloutHandler struct {
	issuerKP  nkeys.KeyPair
	xkeyKP    nkeys.KeyPair
	validator *Validator
	issuerPub string

	serviceUser string
	servicePass string

	authCounter  metric.Int64Counter
	authDuration metric.Float64Histogram
}

// NewCalloutHandler parses the issuer and xkey seeds and wires metrics.
func NewCalloutHandler(issuerSeed, xkeySeed string, validator *Validator, serviceUser, servicePass string, meter metric.Meter) (*CalloutHandler, error) {
	issuerKP, err := nkeys.FromSeed([]byte(issuerSeed))
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer NKey seed: %w", err)
	}
	issuerPub, err := issuerKP.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get issuer public key: %w", err)
	}
	xkeyKP, err := nkeys.FromSeed([]byte(xkeySeed))
	if err != nil {
		return nil, fmt.Errorf("failed to parse XKey seed: %w", err)
	}

	h := &CalloutHandler{
		issuerKP:    issuerKP,
		xkeyKP:      xkeyKP,
		validator:   validator,
		issuerPub:   issuerPub,
		serviceUser: serviceUser,
		servicePass: servicePass,
	}
	if meter != nil {
		h.authCounter, _ = meter.Int64Counter("auth_requests_total")
		h.authDuration, _ = otelhelper.NewDurationHistogram(meter, "auth_request_duration_seconds", "Auth callout duration")
	}
	slog.Info("Auth callout handler initialized", "issuer", issuerPub)
	return h, nil
}

// Handle processes one auth callout request.
func (h *CalloutHandler) Handle(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "auth callout")
	defer span.End()
	defer func() {
		if h.authDuration != nil {
			h.authDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	serverXKey := msg.Header.Get("Nats-Server-Xkey")
	requestData, err := h.decryptRequest(msg.Data, serverXKey)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to decrypt auth request", "error", err)
		span.RecordError(err)
		h.count(ctx, "error")
		return
	}

	reqClaims, err := jwt.DecodeAuthorizationRequestClaims(string(requestData))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to decode auth request claims", "error", err)
		span.RecordError(err)
		h.count(ctx, "error")
		return
	}

	userNKey := reqClaims.UserNkey
	connectOpts := reqClaims.ConnectOptions
	serverID := reqClaims.Server.ID
	serverXKey = reqClaims.Server.XKey

	var username string
	var perms jwt.Permissions
	var expiry int64

	switch {
	case connectOpts.Token != "":
		claims, err := h.validator.Validate(connectOpts.Token)
		if err != nil {
			slog.WarnContext(ctx, "Invalid access token", "client", reqClaims.ClientInformation.Name, "error", err)
			span.SetAttributes(attribute.String("auth.result", "rejected"))
			h.count(ctx, "rejected")
			return
		}
		username = claims.Username
		perms = ClientPermissions(username)
		maxExp := time.Now().Add(1 * time.Hour).Unix()
		if claims.ExpiresAt > 0 && claims.ExpiresAt < maxExp {
			expiry = claims.ExpiresAt
		} else {
			expiry = maxExp
		}
		span.SetAttributes(attribute.String("auth.type", "browser"))

	case connectOpts.Username != "" && connectOpts.Password != "":
		if !h.authenticateService(connectOpts.Username, connectOpts.Password) {
			slog.WarnContext(ctx, "Invalid service credentials", "username", connectOpts.Username)
			h.count(ctx, "rejected")
			return
		}
		username = connectOpts.Username
		perms = ServicePermissions()
		expiry = time.Now().Add(24 * time.Hour).Unix()
		span.SetAttributes(attribute.String("auth.type", "service"))

	default:
		slog.WarnContext(ctx, "No valid credentials", "client", reqClaims.ClientInformation.Name)
		h.count(ctx, "rejected")
		return
	}

	span.SetAttributes(attribute.String("auth.user", username))

	userClaims := jwt.NewUserClaims(userNKey)
	userClaims.Name = username
	userClaims.Audience = issuerAccountID()
	userClaims.BearerToken = true
	userClaims.Permissions = perms
	userClaims.Expires = expiry

	userJWT, err := userClaims.Encode(h.issuerKP)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode user claims", "error", err)
		span.RecordError(err)
		h.count(ctx, "error")
		return
	}

	response := jwt.NewAuthorizationResponseClaims(userNKey)
	response.Audience = serverID
	response.Jwt = userJWT

	responseJWT, err := response.Encode(h.issuerKP)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode auth response", "error", err)
		span.RecordError(err)
		h.count(ctx, "error")
		return
	}

	responseData := []byte(responseJWT)
	if serverXKey != "" {
		responseData, err = h.xkeyKP.Seal([]byte(responseJWT), serverXKey)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to encrypt auth response", "error", err)
			span.RecordError(err)
			h.count(ctx, "error")
			return
		}
	}

	if err := msg.Respond(responseData); err != nil {
		slog.ErrorContext(ctx, "Failed to send auth response", "error", err)
		span.RecordError(err)
		h.count(ctx, "error")
		return
	}

	h.count(ctx, "authorized")
	slog.InfoContext(ctx, "Authorized", "user", username)
}

func (h *CalloutHandler) authenticateService(username, password string) bool {
	if h.serviceUser == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.serviceUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.servicePass)) == 1
	return userOK && passOK
}

// decryptRequest unwraps an xkey-encrypted callout payload. Unencrypted
// requests (raw JWTs start with "ey") pass through.
func (h *CalloutHandler) decryptRequest(data []byte, serverXKey string) ([]byte, error) {
	if len(data) > 2 && data[0] == 'e' && data[1] == 'y' {
		return data, nil
	}
	decrypted, err := h.xkeyKP.Open(data, serverXKey)
	if err != nil {
		return nil, fmt.Errorf("xkey decryption failed: %w", err)
	}
	return decrypted, nil
}

func (h *CalloutHandler) count(ctx context.Context, result string) {
	if h.authCounter != nil {
		h.authCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// issuerAccountID returns the stable audience for minted user JWTs.
func issuerAccountID() string {
	return "CHAT"
}
