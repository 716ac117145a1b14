package httpapi

import (
	"context"
	"net/http"
	"time"

	"vpnhub/pkg/config"
	"vpnhub/pkg/db/pagination"
	"vpnhub/pkg/errutil"
	"vpnhub/pkg/middleware"
	"vpnhub/services/idempotency"
	"vpnhub/services/ledger"
	"vpnhub/services/payment"
	"vpnhub/services/referral"
	"vpnhub/services/reward"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

type Payments interface {
	CreateInvoice(ctx context.Context, req payment.CreateInvoiceRequest) (*ledger.Payment, error)
	Cancel(ctx context.Context, token string) (*ledger.Payment, error)
	Confirm(ctx context.Context, token string, c payment.Confirmation) (*ledger.CompleteResult, error)
}

type Balances interface {
	GetBalance(ctx context.Context, userID string) (*ledger.Balance, error)
	ListTransactions(ctx context.Context, userID string, page pagination.Pagination) ([]*ledger.Transaction, *pagination.PageInfo, error)
}

type Rewards interface {
	CreateSession(ctx context.Context, userID, placement, taskType string) (*reward.SessionTicket, error)
	ConfirmSession(ctx context.Context, userID, proofToken string, evidence map[string]string) (*reward.Outcome, error)
}

type Referrals interface {
	RegisterInvite(ctx context.Context, userID, inviterKey string) ([]*ledger.Referral, error)
}

type Handler struct {
	payments      Payments
	balances      Balances
	rewards       Rewards
	referrals     Referrals
	guard         *idempotency.Guard
	shortTTL      time.Duration
	webhookSecret string
}

// Options tunes route guards. ShortTTL guards cheap mutations; creation and
// confirmation routes are guarded for twice as long. WebhookSecret signs
// provider callbacks; when empty those callbacks are refused.
type Options struct {
	ShortTTL      time.Duration
	WebhookSecret string
}

type Params struct {
	fx.In

	Config    *config.Config
	Guard     *idempotency.Guard
	Payments  *payment.Service
	Ledger    *ledger.Service
	Rewards   *reward.Service
	Referrals *referral.Service
}

func NewHandler(p Params) *Handler {
	return New(p.Payments, p.Ledger, p.Rewards, p.Referrals, p.Guard, Options{
		ShortTTL:      p.Config.Idempotency.DefaultTTL,
		WebhookSecret: p.Config.Payment.WebhookSecret,
	})
}

func New(payments Payments, balances Balances, rewards Rewards, referrals Referrals, guard *idempotency.Guard, opts Options) *Handler {
	if opts.ShortTTL <= 0 {
		opts.ShortTTL = 60 * time.Second
	}
	return &Handler{
		payments:      payments,
		balances:      balances,
		rewards:       rewards,
		referrals:     referrals,
		guard:         guard,
		shortTTL:      opts.ShortTTL,
		webhookSecret: opts.WebhookSecret,
	}
}

func RegisterRoutes(engine *gin.Engine, h *Handler) {
	long := h.guard.Middleware(2 * h.shortTTL)
	short := h.guard.Middleware(h.shortTTL)

	v1 := engine.Group("/v1", middleware.Error(), middleware.IdentityMiddleware())

	v1.POST("/payments", long, h.CreatePayment)
	v1.POST("/payments/:token/complete", middleware.ProviderSignature(h.webhookSecret), long, h.CompletePayment)
	v1.POST("/payments/:token/cancel", short, h.CancelPayment)

	v1.POST("/referrals", short, h.RegisterInvite)

	v1.GET("/balance", h.GetBalance)
	v1.GET("/transactions", h.ListTransactions)

	v1.POST("/ads/sessions", short, h.CreateAdSession)
	v1.POST("/ads/sessions/confirm", long, h.ConfirmAdSession)
}

type paymentResponse struct {
	Token       string          `json:"token"`
	Status      string          `json:"status"`
	AmountStars decimal.Decimal `json:"amount_stars"`
	CurrencyKey string          `json:"currency_key,omitempty"`
	MethodKey   string          `json:"method_key,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func toPaymentResponse(p *ledger.Payment) paymentResponse {
	return paymentResponse{
		Token:       p.Token,
		Status:      string(p.Status),
		AmountStars: p.AmountStars,
		CurrencyKey: p.CurrencyKey,
		MethodKey:   p.MethodKey,
		CreatedAt:   p.CreatedAt,
		CompletedAt: p.CompletedAt,
	}
}

// subject returns the internal user id asserted by the auth proxy.
func subject(c *gin.Context) (string, bool) {
	id := middleware.IdentityFromContext(c)
	if id.SubjectID == "" {
		_ = c.Error(errutil.Unauthorized("missing subject", nil))
		return "", false
	}
	return id.SubjectID, true
}

func (h *Handler) CreatePayment(c *gin.Context) {
	userID, ok := subject(c)
	if !ok {
		return
	}

	var req payment.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	req.UserID = userID

	p, err := h.payments.CreateInvoice(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, toPaymentResponse(p))
}

type completePaymentRequest struct {
	AmountStars decimal.Decimal `json:"amount_stars"`
	CurrencyKey string          `json:"currency_key"`
}

// CompletePayment is the signed provider callback. The reported charge must
// match the invoice; the whole body is stored as provider metadata.
func (h *Handler) CompletePayment(c *gin.Context) {
	var req completePaymentRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		_ = c.Error(errutil.BadRequest("invalid provider payload", err))
		return
	}
	meta := map[string]any{}
	if err := c.ShouldBindBodyWith(&meta, binding.JSON); err != nil {
		_ = c.Error(errutil.BadRequest("invalid provider payload", err))
		return
	}

	res, err := h.payments.Confirm(c.Request.Context(), c.Param("token"), payment.Confirmation{
		AmountStars: req.AmountStars,
		CurrencyKey: req.CurrencyKey,
		Metadata:    meta,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id":        res.PaymentID,
		"credited":          res.Credited,
		"already_completed": res.AlreadyCompleted,
		"commissions":       len(res.Commissions),
	})
}

func (h *Handler) CancelPayment(c *gin.Context) {
	if _, ok := subject(c); !ok {
		return
	}

	p, err := h.payments.Cancel(c.Request.Context(), c.Param("token"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toPaymentResponse(p))
}

func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := subject(c)
	if !ok {
		return
	}

	b, err := h.balances.GetBalance(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment":                 b.Payment,
		"hold":                    b.Hold,
		"withdrawal":              b.Withdrawal,
		"total_earned_withdrawal": b.TotalEarnedWithdrawal,
		"traffic":                 b.Traffic,
		"stars":                   b.Stars,
		"tickets":                 b.Tickets,
	})
}

type transactionResponse struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Direction     string          `json:"direction"`
	Reason        string          `json:"reason"`
	BalanceType   string          `json:"balance_type"`
	IsHold        bool            `json:"is_hold"`
	HoldExpiredAt *time.Time      `json:"hold_expired_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := subject(c)
	if !ok {
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	txns, info, err := h.balances.ListTransactions(c.Request.Context(), userID, page)
	if err != nil {
		_ = c.Error(err)
		return
	}

	data := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		data = append(data, transactionResponse{
			ID:            t.ID,
			Amount:        t.Amount,
			Direction:     string(t.Direction),
			Reason:        string(t.Reason),
			BalanceType:   string(t.BalanceType),
			IsHold:        t.IsHold,
			HoldExpiredAt: t.HoldExpiredAt,
			CreatedAt:     t.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}

type registerInviteRequest struct {
	InviterKey string `json:"inviter_key" binding:"required"`
}

type referralResponse struct {
	InviterID string    `json:"inviter_id"`
	Level     int       `json:"level"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterInvite attaches the caller to the inviter's referral chain.
func (h *Handler) RegisterInvite(c *gin.Context) {
	userID, ok := subject(c)
	if !ok {
		return
	}

	var req registerInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	edges, err := h.referrals.RegisterInvite(c.Request.Context(), userID, req.InviterKey)
	if err != nil {
		_ = c.Error(err)
		return
	}

	data := make([]referralResponse, 0, len(edges))
	for _, e := range edges {
		data = append(data, referralResponse{InviterID: e.InviterID, Level: e.Level, CreatedAt: e.CreatedAt})
	}
	c.JSON(http.StatusCreated, gin.H{"data": data})
}

type createSessionRequest struct {
	Placement string `json:"placement" binding:"required"`
	TaskType  string `json:"task_type"`
}

func (h *Handler) CreateAdSession(c *gin.Context) {
	userID, ok := subject(c)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	ticket, err := h.rewards.CreateSession(c.Request.Context(), userID, req.Placement, req.TaskType)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, ticket)
}

type confirmSessionRequest struct {
	ProofToken string            `json:"proof_token" binding:"required"`
	Evidence   map[string]string `json:"evidence"`
}

// ConfirmAdSession answers 200 for rejections too; the outcome carries the reason.
func (h *Handler) ConfirmAdSession(c *gin.Context) {
	userID, ok := subject(c)
	if !ok {
		return
	}

	var req confirmSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	outcome, err := h.rewards.ConfirmSession(c.Request.Context(), userID, req.ProofToken, req.Evidence)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}
