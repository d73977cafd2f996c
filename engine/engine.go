// Package engine is the command and query surface exposed to clients. Every
// call resolves the caller's role on the deal before touching a lifecycle
// service, and every successful mutation invalidates the cached read model
// and notifies subscribers.
package engine

import (
	"context"
	"log/slog"

	"dealflow/agreement"
	"dealflow/apperr"
	"dealflow/deal"
	"dealflow/documents"
	"dealflow/escrow"
	"dealflow/negotiation"
	"dealflow/notify"
	"dealflow/outbox"
	"dealflow/providersync"
	"dealflow/query"
	"dealflow/terms"
	"dealflow/visibility"
)

// Deps wires the engine.
type Deps struct {
	Roles       *deal.RoleResolver
	Deals       *deal.Service
	Rooms       *deal.RoomService
	Pipeline    *deal.PipelineService
	Negotiation *negotiation.Service
	Agreements  *agreement.Service
	Escrows     *escrow.Service
	Signatures  *providersync.SignatureSync
	Custodian   *providersync.CustodianSync
	Query       *query.Service
	Hub         *notify.Hub
	Propagator  *notify.Propagator
	Documents   documents.Store
	Log         *slog.Logger
}

type Engine struct {
	Deps
}

func New(deps Deps) *Engine {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Propagator == nil {
		deps.Propagator = notify.NewPropagator(deps.Hub, deps.Query)
	}
	return &Engine{Deps: deps}
}

func (e *Engine) actor(ctx context.Context, actorID, dealID string) (deal.Actor, error) {
	if actorID == "" {
		return deal.Actor{}, apperr.Authorization("actor required")
	}
	role, err := e.Roles.ResolveRole(ctx, actorID, dealID)
	if err != nil {
		return deal.Actor{}, err
	}
	return deal.Actor{ID: actorID, Role: role}, nil
}

func (e *Engine) changed(ctx context.Context, dealID, topic string) {
	e.Propagator.ChangedBy(ctx, dealID, topic)
}

// CreateDeal opens a deal with actorID as principal.
func (e *Engine) CreateDeal(ctx context.Context, actorID string, params deal.CreateParams) (visibility.DealView, error) {
	if actorID == "" {
		return visibility.DealView{}, apperr.Authorization("actor required")
	}
	params.PrincipalID = actorID
	d, err := e.Deals.Create(ctx, params)
	if err != nil {
		return visibility.DealView{}, err
	}
	e.changed(ctx, d.ID, outbox.TopicDealCreated)
	return visibility.Project(deal.RolePrincipal, nil, d), nil
}

func (e *Engine) ArchiveDeal(ctx context.Context, actorID, dealID string) (visibility.DealView, error) {
	actor, err := e.actor(ctx, actorID, dealID)
	if err != nil {
		return visibility.DealView{}, err
	}
	if _, err := e.Deals.Archive(ctx, dealID, actor); err != nil {
		return visibility.DealView{}, err
	}
	e.changed(ctx, dealID, "")
	return e.dealView(ctx, dealID, actor.Role)
}

// UploadPurchaseContract stores the principal's purchase contract and links
// it to the deal.
func (e *Engine) UploadPurchaseContract(ctx context.Context, actorID, dealID, filename string, content []byte) (visibility.DealView, error) {
	actor, err := e.actor(ctx, actorID, dealID)
	if err != nil {
		return visibility.DealView{}, err
	}
	if actor.Role != deal.RolePrincipal {
		return visibility.DealView{}, apperr.Authorization("only the principal may upload the purchase contract")
	}
	url, err := documents.StoreUploadedFile(ctx, e.Documents, dealID, filename, content)
	if err != nil {
		return visibility.DealView{}, err
	}
	if _, err := e.Deals.AttachPurchaseContract(ctx, dealID, actor, url); err != nil {
		return visibility.DealView{}, err
	}
	e.changed(ctx, dealID, outbox.TopicPurchaseContractUpdated)
	return e.dealView(ctx, dealID, actor.Role)
}

func (e *Engine) RequestRoom(ctx context.Context, actorID, dealID, counterpartyID string) (visibility.RoomView, error) {
	actor, err := e.actor(ctx, actorID, dealID)
	if err != nil {
		return visibility.RoomView{}, err
	}
	room, err := e.Rooms.Request(ctx, dealID, actor, counterpartyID)
	if err != nil {
		return visibility.RoomView{}, err
	}
	e.changed(ctx, dealID, outbox.TopicRoomRequested)
	return visibility.ProjectRoom(room), nil
}

// RespondToRoom accepts or declines an invitation. The invited counterparty
// is not yet a party to the deal, so the room service checks the invitee.
func (e *Engine) RespondToRoom(ctx context.Context, actorID, roomID string, accept bool) (visibility.RoomView, error) {
	if actorID == "" {
		return visibility.RoomView{}, apperr.Authorization("actor required")
	}
	room, err := e.Rooms.Respond(ctx, roomID, actorID, accept)
	if err != nil {
		return visibility.RoomView{}, err
	}
	e.changed(ctx, room.DealID, outbox.TopicRoomAccepted)
	return visibility.ProjectRoom(room), nil
}

func (e *Engine) ProposeCounter(ctx context.Context, actorID, dealID string, proposed terms.Terms) (visibility.CounterOfferView, error) {
	actor, err := e.actor(ctx, actorID, dealID)
	if err != nil {
		return visibility.CounterOfferView{}, err
	}
	o, err := e.Negotiation.Propose(ctx, dealID, actor, proposed)
	if err != nil {
		return visibility.CounterOfferView{}, err
	}
	e.changed(ctx, dealID, outbox.TopicCounterOfferProposed)
	return visibility.ProjectCounterOffer(o), nil
}

// CounterResponse is the outcome of RespondToCounter. Counter is the new
// offer opened by a recounter.
type CounterResponse struct {
	Offer   visibility.CounterOfferView  `json:"offer"`
	Counter *visibility.CounterOfferView `json:"counter,omitempty"`
}

func (e *Engine) RespondToCounter(ctx context.Context, actorID, offerID string, action negotiation.Action, custom *terms.Terms) (CounterResponse, error) {
	o, err := e.Negotiation.Get(ctx, offerID)
	if err != nil {
		return CounterResponse{}, err
	}
	actor, err := e.actor(ctx, actorID, o.DealID)
	if err != nil {
		return CounterResponse{}, err
	}
	res, err := e.Negotiation.Respond(ctx, offerID, actor, action, custom)
	if err != nil {
		return CounterResponse{}, err
	}
	e.changed(ctx, o.DealID, outbox.TopicCounterOfferResponded)
	out := CounterResponse{Offer: visibility.ProjectCounterOffer(res.Offer)}
	if res.Counter != nil {
		v := visibility.ProjectCounterOffer(*res.Counter)
		out.Counter = &v
	}
	return out, nil
}

func (e *Engine) CounterHistory(ctx context.Context, actorID, dealID string) ([]visibility.CounterOfferView, error) {
	if _, err := e.actor(ctx, actorID, dealID); err != nil {
		return nil, err
	}
	offers, err := e.Negotiation.History(ctx, dealID)
	if err != nil {
		return nil, err
	}
	out := make([]visibility.CounterOfferView, 0, len(offers))
	for _, o := range offers {
		out = append(out, visibility.ProjectCounterOffer(o))
	}
	return out, nil
}

func (e *Engine) GenerateAgreement(ctx context.Context, actorID, dealID string) (visibility.AgreementView, error) {
	actor, err := e.actor(ctx, actorID, dealID)
	if err != nil {
		return visibility.AgreementView{}, err
	}
	a, err := e.Agreements.Generate(ctx, dealID, actor)
	if err != nil {
		return visibility.AgreementView{}, err
	}
	e.changed(ctx, dealID, outbox.TopicAgreementRenderRequest)
	return e.projectAgreement(ctx, actor.Role, a)
}

func (e *Engine) SignAgreement(ctx context.Context, actorID, agreementID string) (visibility.AgreementView, error) {
	a, actor, err := e.agreementActor(ctx, actorID, agreementID)
	if err != nil {
		return visibility.AgreementView{}, err
	}
	signed, err := e.Agreements.Sign(ctx, a.ID, actor)
	if err != nil {
		return visibility.AgreementView{}, err
	}
	e.changed(ctx, a.DealID, outbox.TopicAgreementSigned)
	return e.projectAgreement(ctx, actor.Role, signed)
}

// StartSigning opens the provider-hosted signing session for the caller.
func (e *Engine) StartSigning(ctx context.Context, actorID, agreementID, returnURL string) (providersync.Session, error) {
	a, actor, err := e.agreementActor(ctx, actorID, agreementID)
	if err != nil {
		return providersync.Session{}, err
	}
	return e.Signatures.StartSession(ctx, a.ID, actor, returnURL)
}

// RefreshAgreement pulls the signature provider's state on demand, for
// clients returning from a signing session before the webhook lands.
func (e *Engine) RefreshAgreement(ctx context.Context, actorID, agreementID string) (visibility.AgreementView, error) {
	a, actor, err := e.agreementActor(ctx, actorID, agreementID)
	if err != nil {
		return visibility.AgreementView{}, err
	}
	updated, _, err := e.Signatures.Reconcile(ctx, a.ID)
	if err != nil {
		return visibility.AgreementView{}, err
	}
	return e.projectAgreement(ctx, actor.Role, updated)
}

func (e *Engine) AgreementVersions(ctx context.Context, actorID, dealID string) ([]visibility.AgreementView, error) {
	actor, err := e.actor(ctx, actorID, dealID)
	if err != nil {
		return nil, err
	}
	versions, err := e.Agreements.Versions(ctx, dealID)
	if err != nil {
		return nil, err
	}
	d, err := e.Deals.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	out := make([]visibility.AgreementView, 0, len(versions))
	for _, a := range versions {
		out = append(out, visibility.ProjectAgreement(actor.Role, a, d))
	}
	return out, nil
}

// projectAgreement gates a's document links against its deal.
func (e *Engine) projectAgreement(ctx context.Context, role deal.Role, a agreement.Agreement) (visibility.AgreementView, error) {
	d, err := e.Deals.Get(ctx, a.DealID)
	if err != nil {
		return visibility.AgreementView{}, err
	}
	return visibility.ProjectAgreement(role, a, d), nil
}

func (e *Engine) agreementActor(ctx context.Context, actorID, agreementID string) (agreement.Agreement, deal.Actor, error) {
	a, err := e.Agreements.Get(ctx, agreementID)
	if err != nil {
		return agreement.Agreement{}, deal.Actor{}, err
	}
	actor, err := e.actor(ctx, actorID, a.DealID)
	if err != nil {
		return agreement.Agreement{}, deal.Actor{}, err
	}
	return a, actor, nil
}

func (e *Engine) CreateEscrow(ctx context.Context, actorID, roomID string, amount int64, currency, description string) (visibility.EscrowView, error) {
	room, actor, err := e.roomActor(ctx, actorID, roomID)
	if err != nil {
		return visibility.EscrowView{}, err
	}
	tx, err := e.Escrows.Create(ctx, room.ID, actor, amount, currency, description)
	if err != nil {
		return visibility.EscrowView{}, err
	}
	e.changed(ctx, room.DealID, outbox.TopicEscrowStatusChanged)
	return visibility.ProjectEscrow(tx), nil
}

func (e *Engine) FundEscrow(ctx context.Context, actorID, roomID string) (visibility.EscrowView, error) {
	room, actor, err := e.roomActor(ctx, actorID, roomID)
	if err != nil {
		return visibility.EscrowView{}, err
	}
	tx, err := e.Escrows.Fund(ctx, room.ID, actor)
	if err != nil {
		return visibility.EscrowView{}, err
	}
	e.changed(ctx, room.DealID, outbox.TopicEscrowStatusChanged)
	return visibility.ProjectEscrow(tx), nil
}

// StartFunding opens the custodian's hosted payment page for the escrow.
func (e *Engine) StartFunding(ctx context.Context, actorID, roomID, returnURL string) (providersync.Session, error) {
	room, actor, err := e.roomActor(ctx, actorID, roomID)
	if err != nil {
		return providersync.Session{}, err
	}
	return e.Custodian.StartSession(ctx, room.ID, actor, returnURL)
}

func (e *Engine) ReleaseEscrow(ctx context.Context, actorID, roomID string, action escrow.ReleaseAction) (visibility.EscrowView, error) {
	room, actor, err := e.roomActor(ctx, actorID, roomID)
	if err != nil {
		return visibility.EscrowView{}, err
	}
	tx, err := e.Escrows.Release(ctx, room.ID, actor, action)
	if err != nil {
		return visibility.EscrowView{}, err
	}
	e.changed(ctx, room.DealID, outbox.TopicEscrowStatusChanged)
	return visibility.ProjectEscrow(tx), nil
}

// RefreshEscrow pulls the custodian's state of the room's escrow.
func (e *Engine) RefreshEscrow(ctx context.Context, actorID, roomID string) (*visibility.EscrowView, error) {
	room, _, err := e.roomActor(ctx, actorID, roomID)
	if err != nil {
		return nil, err
	}
	current, err := e.Escrows.Current(ctx, room.ID)
	if err != nil || current == nil {
		return nil, err
	}
	updated, _, err := e.Custodian.Reconcile(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	v := visibility.ProjectEscrow(updated)
	return &v, nil
}

func (e *Engine) roomActor(ctx context.Context, actorID, roomID string) (deal.Room, deal.Actor, error) {
	room, err := e.Rooms.Get(ctx, roomID)
	if err != nil {
		return deal.Room{}, deal.Actor{}, err
	}
	actor, err := e.actor(ctx, actorID, room.DealID)
	if err != nil {
		return deal.Room{}, deal.Actor{}, err
	}
	return room, actor, nil
}

func (e *Engine) AdvancePipelineStage(ctx context.Context, actorID, dealID string, stage deal.Stage) (visibility.DealView, error) {
	actor, err := e.actor(ctx, actorID, dealID)
	if err != nil {
		return visibility.DealView{}, err
	}
	if _, err := e.Pipeline.Move(ctx, dealID, actor, stage); err != nil {
		return visibility.DealView{}, err
	}
	e.changed(ctx, dealID, outbox.TopicPipelineStageMoved)
	return e.dealView(ctx, dealID, actor.Role)
}

// DealState is the per-deal read model filtered for the caller.
func (e *Engine) DealState(ctx context.Context, actorID, dealID string) (visibility.State, error) {
	actor, err := e.actor(ctx, actorID, dealID)
	if err != nil {
		return visibility.State{}, err
	}
	return e.Query.DealState(ctx, dealID, actor.Role)
}

func (e *Engine) ListDeals(ctx context.Context, actorID string, limit int) ([]visibility.DealView, error) {
	if actorID == "" {
		return nil, apperr.Authorization("actor required")
	}
	return e.Query.ListDeals(ctx, actorID, limit)
}

// Subscribe streams change notifications for a deal the caller is party to.
func (e *Engine) Subscribe(ctx context.Context, actorID, dealID string) (<-chan notify.Event, error) {
	if _, err := e.actor(ctx, actorID, dealID); err != nil {
		return nil, err
	}
	return e.Hub.Subscribe(ctx, dealID), nil
}

func (e *Engine) dealView(ctx context.Context, dealID string, role deal.Role) (visibility.DealView, error) {
	state, err := e.Query.DealState(ctx, dealID, role)
	if err != nil {
		return visibility.DealView{}, err
	}
	return state.Deal, nil
}
