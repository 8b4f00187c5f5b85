// Package gin provides the Gin middleware chain for payment-gated routes:
// access coordination (free grants, in-flight coalescing, busy rejection)
// followed by x402 payment verification and settlement.
package gin

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/x402-foundation/paygate/pkg/access"
	"github.com/x402-foundation/paygate/pkg/facilitatorclient"
	"github.com/x402-foundation/paygate/pkg/types"
)

// Keys under which the access middleware stores per-request state in the
// gin context. Identity is threaded explicitly through the context rather
// than held in any shared variable.
const (
	ContextIdentityKey         = "paygate.identity"
	ContextFreeAccessKey       = "paygate.freeAccess"
	ContextRemainingSecondsKey = "paygate.remainingSeconds"
)

// IdentityFromContext returns the client identity stored by AccessMiddleware,
// extracting it from the request when the middleware did not run.
func IdentityFromContext(c *gin.Context) string {
	if identity, ok := c.Get(ContextIdentityKey); ok {
		if s, ok := identity.(string); ok {
			return s
		}
	}
	return access.ClientIdentityFromRequest(c.Request)
}

// FreeAccessFromContext reports whether this request is covered by a
// free-access grant and how many seconds remain.
func FreeAccessFromContext(c *gin.Context) (bool, int) {
	if !c.GetBool(ContextFreeAccessKey) {
		return false, 0
	}
	return true, c.GetInt(ContextRemainingSecondsKey)
}

// AccessMiddleware consults the coordinator for every request. Free access
// falls through to the handler with the grant noted in the context, busy
// identities are rejected with a conflict, and everything else proceeds to
// the payment middleware.
func AccessMiddleware(coordinator *access.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := access.ClientIdentityFromRequest(c.Request)
		c.Set(ContextIdentityKey, identity)

		decision := coordinator.Decide(identity, time.Now())
		switch decision.Kind {
		case access.DecisionServeFree:
			c.Set(ContextFreeAccessKey, true)
			c.Set(ContextRemainingSecondsKey, decision.RemainingSeconds)
			c.Next()
		case access.DecisionRejectBusy:
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":   "Payment in progress",
				"code":    types.ErrCodePaymentInFlight,
				"message": "A payment is already being processed for this IP address. Please wait.",
			})
		default:
			c.Next()
		}
	}
}

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
	FacilitatorConfig *types.FacilitatorConfig
	Resource          string
	ResourceRootURL   string
	Network           string
	GatewayTimeout    time.Duration
	Listener          *access.Listener
	Logger            *log.Logger
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithDescription is an option for the PaymentMiddleware to set the description.
func WithDescription(description string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Description = description
	}
}

// WithMimeType is an option for the PaymentMiddleware to set the mime type.
func WithMimeType(mimeType string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.MimeType = mimeType
	}
}

// WithMaxTimeoutSeconds is an option for the PaymentMiddleware to set the max timeout seconds.
func WithMaxTimeoutSeconds(maxTimeoutSeconds int) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.MaxTimeoutSeconds = maxTimeoutSeconds
	}
}

// WithFacilitatorConfig is an option for the PaymentMiddleware to set the facilitator config.
func WithFacilitatorConfig(config *types.FacilitatorConfig) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.FacilitatorConfig = config
	}
}

// WithResource is an option for the PaymentMiddleware to set the resource.
func WithResource(resource string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Resource = resource
	}
}

// WithResourceRootURL is an option for the PaymentMiddleware to set the resource root URL.
func WithResourceRootURL(resourceRootURL string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

// WithNetwork is an option for the PaymentMiddleware to set the network explicitly.
func WithNetwork(network string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Network = network
	}
}

// WithGatewayTimeout bounds each verify and settle call against the
// facilitator.
func WithGatewayTimeout(d time.Duration) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.GatewayTimeout = d
	}
}

// WithSettlementListener is an option for the PaymentMiddleware to report
// verification outcomes to the settlement listener.
func WithSettlementListener(listener *access.Listener) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Listener = listener
	}
}

// WithLogger is an option for the PaymentMiddleware to set the logger.
func WithLogger(logger *log.Logger) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Logger = logger
	}
}

type networkConfig struct {
	assetAddress string
	decimals     int
	tokenName    string
}

var supportedNetworks = map[string]networkConfig{
	"base": {
		assetAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		decimals:     6,
		tokenName:    "USD Coin",
	},
	"base-sepolia": {
		assetAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		decimals:     6,
		tokenName:    "USDC",
	},
	"bsc": {
		assetAddress: "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d",
		decimals:     18,
		tokenName:    "USD Coin",
	},
	"bsc-testnet": {
		assetAddress: "0x64544969ed7ebf5f083679233325356ebe738930",
		decimals:     18,
		tokenName:    "USDC",
	},
}

// PaymentMiddleware is the Gin middleware gating a resource behind an x402
// payment. Requests covered by a free-access grant pass straight through.
// Otherwise the X-PAYMENT proof is verified against the facilitator, the
// handler runs, the payment is settled, and the settlement listener is told
// the outcome — success and failure both clear the identity's in-flight
// marker, so an abandoned verification never leaves a permanent busy-lock.
//
// Amount is the decimal denominated amount to charge (ex: 0.001 for a tenth
// of a cent).
func PaymentMiddleware(amount *big.Float, address string, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{
		FacilitatorConfig: &types.FacilitatorConfig{
			URL: facilitatorclient.DefaultFacilitatorURL,
		},
		MaxTimeoutSeconds: 60,
		GatewayTimeout:    30 * time.Second,
		Logger:            log.Default(),
	}

	for _, opt := range opts {
		opt(options)
	}

	facilitatorClient := facilitatorclient.NewFacilitatorClient(options.FacilitatorConfig)

	network := options.Network
	if network == "" {
		network = "base-sepolia"
	}

	return func(c *gin.Context) {
		if free, _ := FreeAccessFromContext(c); free {
			c.Next()
			return
		}

		identity := IdentityFromContext(c)
		logger := options.Logger.With("identity", identity, "path", c.Request.URL.Path)

		netCfg, exists := supportedNetworks[network]
		if !exists {
			logger.Error("unsupported network", "network", network)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       fmt.Sprintf("unsupported network: %s", network),
				"x402Version": types.X402Version,
			})
			return
		}

		resource := options.Resource
		if resource == "" {
			resource = options.ResourceRootURL + c.Request.URL.Path
		}

		paymentRequirements := &types.PaymentRequirements{
			Scheme:            "exact",
			Network:           network,
			MaxAmountRequired: AmountToAssetUnits(amount, netCfg.decimals).String(),
			Resource:          resource,
			Description:       options.Description,
			MimeType:          options.MimeType,
			PayTo:             address,
			MaxTimeoutSeconds: options.MaxTimeoutSeconds,
			Asset:             netCfg.assetAddress,
		}
		paymentRequirements.SetUSDCInfo(netCfg.tokenName)

		payment := c.GetHeader("X-PAYMENT")
		paymentPayload, err := types.DecodePaymentPayloadFromBase64(payment)
		if err != nil {
			// No proof yet. The in-flight marker stays: the client is
			// expected to construct the proof and retry inside the
			// concurrency allowance.
			perr := types.NewPaymentError(types.ErrCodePaymentRequired, "X-PAYMENT header is required")
			abortPaymentRequired(c, perr, paymentRequirements)
			return
		}

		if err := paymentPayload.Validate(); err != nil {
			reportFailure(options.Listener, identity)
			perr := types.NewPaymentError(types.ErrCodeInvalidPayment, err.Error())
			abortPaymentRequired(c, perr, paymentRequirements)
			return
		}

		verifyCtx, cancel := context.WithTimeout(c.Request.Context(), options.GatewayTimeout)
		response, err := facilitatorClient.Verify(verifyCtx, paymentPayload, paymentRequirements)
		cancel()
		if err != nil {
			perr := types.NewPaymentError(types.ErrCodeVerifyFailed, err.Error())
			logger.Error("failed to verify payment", "err", perr)
			reportFailure(options.Listener, identity)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       perr.Message,
				"code":        perr.Code,
				"x402Version": types.X402Version,
			})
			return
		}

		if !response.IsValid {
			reason := "invalid payment"
			if response.InvalidReason != nil {
				reason = *response.InvalidReason
			}
			perr := types.NewPaymentError(types.ErrCodeInvalidPayment, reason)
			logger.Warn("invalid payment", "err", perr)
			reportFailure(options.Listener, identity)
			abortPaymentRequired(c, perr, paymentRequirements)
			return
		}

		logger.Debug("payment verified, proceeding")

		// Capture the handler response so settlement can complete before
		// anything is sent to the client.
		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &strings.Builder{},
			statusCode:     http.StatusOK,
		}
		c.Writer = writer

		c.Next()

		if c.IsAborted() {
			reportFailure(options.Listener, identity)
			return
		}

		settleCtx, cancel := context.WithTimeout(c.Request.Context(), options.GatewayTimeout)
		settleResponse, err := facilitatorClient.Settle(settleCtx, paymentPayload, paymentRequirements)
		cancel()
		if err != nil {
			perr := types.NewPaymentError(types.ErrCodeSettlementFailed, err.Error())
			logger.Error("settlement failed", "err", perr)
			reportFailure(options.Listener, identity)
			c.Writer = writer.ResponseWriter
			abortPaymentRequired(c, perr, paymentRequirements)
			return
		}

		if !settleResponse.Success {
			reason := "settlement failed"
			if settleResponse.ErrorReason != nil {
				reason = *settleResponse.ErrorReason
			}
			perr := types.NewPaymentError(types.ErrCodeSettlementFailed, reason)
			logger.Warn("settlement rejected", "err", perr)
			reportFailure(options.Listener, identity)
			c.Writer = writer.ResponseWriter
			abortPaymentRequired(c, perr, paymentRequirements)
			return
		}

		// Grant and ledger record are installed before the response is
		// released to the client.
		if options.Listener != nil {
			options.Listener.OnSuccess(identity, settleResponse, paymentRequirements)
		}

		settleResponseHeader, err := settleResponse.EncodeToBase64String()
		if err != nil {
			logger.Error("settle header encoding failed", "err", err)
			c.Writer = writer.ResponseWriter
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"x402Version": types.X402Version,
			})
			return
		}

		c.Header("X-PAYMENT-RESPONSE", settleResponseHeader)
		c.Writer = writer.ResponseWriter
		c.Writer.WriteHeader(writer.statusCode)
		c.Writer.Write([]byte(writer.body.String()))
	}
}

// abortPaymentRequired writes the 402 challenge: the payment error's code
// and message alongside the requirements the client can satisfy.
func abortPaymentRequired(c *gin.Context, perr *types.PaymentError, requirements *types.PaymentRequirements) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":       perr.Message,
		"code":        perr.Code,
		"accepts":     []*types.PaymentRequirements{requirements},
		"x402Version": types.X402Version,
	})
}

func reportFailure(listener *access.Listener, identity string) {
	if listener != nil {
		listener.OnFailure(identity)
	}
}

// responseWriter is a custom response writer that captures the response
type responseWriter struct {
	gin.ResponseWriter
	body       *strings.Builder
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}

// AmountToAssetUnits converts a human-readable amount into base units using the token's decimals.
func AmountToAssetUnits(amount *big.Float, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaleFloat := new(big.Float).SetPrec(256).SetInt(scale)
	amountFloat := new(big.Float).SetPrec(256).Set(amount)
	res, _ := new(big.Float).Mul(amountFloat, scaleFloat).Int(nil)
	return res
}
