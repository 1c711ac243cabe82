package api

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/bids"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/closing"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/invoices"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/listing"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/payments"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/refunds"
)

// ServiceName is the fully qualified RPC service name.
const ServiceName = "settlement.v1.SettlementService"

// Procedure names, mounted under /settlement.v1.SettlementService/.
const (
	ProcedureCreateAuction    = "CreateAuction"
	ProcedureGetAuction       = "GetAuction"
	ProcedureCancelAuction    = "CancelAuction"
	ProcedureAddLot           = "AddLot"
	ProcedureGetLot           = "GetLot"
	ProcedureListLots         = "ListLots"
	ProcedureRemoveLot        = "RemoveLot"
	ProcedureCloseLot         = "CloseLot"
	ProcedurePlaceBid         = "PlaceBid"
	ProcedureListBids         = "ListBids"
	ProcedureFinalizeInvoices = "FinalizeInvoices"
	ProcedureListInvoices     = "ListInvoices"
	ProcedureGetInvoice       = "GetInvoice"
	ProcedurePayInvoice       = "PayInvoice"
	ProcedureRefundLot        = "RefundLot"
)

type unaryFunc func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error)

// SettlementServiceHandler exposes the settlement services as connect unary
// procedures. Messages are google.protobuf.Struct, so clients may speak the
// protobuf or JSON codec.
type SettlementServiceHandler struct {
	listing  *listing.Service
	ledger   *bids.Ledger
	engine   *closing.Engine
	invoices *invoices.Aggregator
	payments *payments.Service
	refunds  *refunds.Guard
}

func NewSettlementServiceHandler(
	listingService *listing.Service,
	ledger *bids.Ledger,
	engine *closing.Engine,
	aggregator *invoices.Aggregator,
	paymentService *payments.Service,
	guard *refunds.Guard,
) *SettlementServiceHandler {
	return &SettlementServiceHandler{
		listing:  listingService,
		ledger:   ledger,
		engine:   engine,
		invoices: aggregator,
		payments: paymentService,
		refunds:  guard,
	}
}

// Routes returns the path prefix and the http.Handler serving every procedure.
func (h *SettlementServiceHandler) Routes(opts ...connect.HandlerOption) (string, http.Handler) {
	procedures := map[string]unaryFunc{
		ProcedureCreateAuction:    h.CreateAuction,
		ProcedureGetAuction:       h.GetAuction,
		ProcedureCancelAuction:    h.CancelAuction,
		ProcedureAddLot:           h.AddLot,
		ProcedureGetLot:           h.GetLot,
		ProcedureListLots:         h.ListLots,
		ProcedureRemoveLot:        h.RemoveLot,
		ProcedureCloseLot:         h.CloseLot,
		ProcedurePlaceBid:         h.PlaceBid,
		ProcedureListBids:         h.ListBids,
		ProcedureFinalizeInvoices: h.FinalizeInvoices,
		ProcedureListInvoices:     h.ListInvoices,
		ProcedureGetInvoice:       h.GetInvoice,
		ProcedurePayInvoice:       h.PayInvoice,
		ProcedureRefundLot:        h.RefundLot,
	}

	prefix := "/" + ServiceName + "/"
	mux := http.NewServeMux()
	for name, fn := range procedures {
		path := prefix + name
		mux.Handle(path, connect.NewUnaryHandler[structpb.Struct, structpb.Struct](path, fn, opts...))
	}
	return prefix, mux
}

func respond(msg map[string]any) (*connect.Response[structpb.Struct], error) {
	out, err := structpb.NewStruct(msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// CreateAuction opens a new auction.
func (h *SettlementServiceHandler) CreateAuction(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	f := requestFields(req.Msg)

	endAt, err := f.getTime("end_at")
	if err != nil {
		return nil, err
	}
	taxPercent, err := f.getInt("tax_percent")
	if err != nil {
		return nil, err
	}
	clubCut, err := f.getInt("club_cut_percent")
	if err != nil {
		return nil, err
	}
	entryFee, err := f.getInt64("lot_entry_fee")
	if err != nil {
		return nil, err
	}

	cmd := listing.CreateAuctionCommand{
		Title:          f.getString("title"),
		EndAt:          endAt,
		IsOnline:       f.getBool("is_online"),
		TaxPercent:     taxPercent,
		ClubCutPercent: clubCut,
		LotEntryFee:    entryFee,
	}
	if f.has("max_lots_per_user") {
		maxLots, err := f.getInt("max_lots_per_user")
		if err != nil {
			return nil, err
		}
		cmd.MaxLotsPerUser = &maxLots
	}

	a, err := h.listing.CreateAuction(ctx, cmd)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"auction": auctionMessage(a)})
}

func (h *SettlementServiceHandler) GetAuction(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := requestFields(req.Msg).getUUID("id")
	if err != nil {
		return nil, err
	}
	a, err := h.listing.GetAuction(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"auction": auctionMessage(a)})
}

// CancelAuction removes every open lot and cancels its timer.
func (h *SettlementServiceHandler) CancelAuction(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := requestFields(req.Msg).getUUID("auction_id")
	if err != nil {
		return nil, err
	}
	a, err := h.engine.CancelAuction(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"auction": auctionMessage(a)})
}

// AddLot lists a lot. A zero or missing lot_number takes the next free number.
func (h *SettlementServiceHandler) AddLot(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	f := requestFields(req.Msg)

	auctionID, err := f.getUUID("auction_id")
	if err != nil {
		return nil, err
	}
	sellerID, err := f.getUUID("seller_id")
	if err != nil {
		return nil, err
	}
	lotNumber, err := f.getInt("lot_number")
	if err != nil {
		return nil, err
	}
	quantity, err := f.getInt("quantity")
	if err != nil {
		return nil, err
	}
	startPrice, err := f.getInt64("start_price")
	if err != nil {
		return nil, err
	}
	increment, err := f.getIncrement("increment")
	if err != nil {
		return nil, err
	}

	lot, err := h.listing.AddLot(ctx, listing.AddLotCommand{
		AuctionID:  auctionID,
		SellerID:   sellerID,
		LotNumber:  lotNumber,
		Title:      f.getString("title"),
		Quantity:   quantity,
		StartPrice: startPrice,
		Increment:  increment,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"lot": lotMessage(lot)})
}

func (h *SettlementServiceHandler) GetLot(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := requestFields(req.Msg).getUUID("id")
	if err != nil {
		return nil, err
	}
	lot, err := h.listing.GetLot(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"lot": lotMessage(lot)})
}

func (h *SettlementServiceHandler) ListLots(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := requestFields(req.Msg).getUUID("auction_id")
	if err != nil {
		return nil, err
	}
	lots, err := h.listing.ListLots(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"lots": listOf(lots, lotMessage)})
}

func (h *SettlementServiceHandler) RemoveLot(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := requestFields(req.Msg).getUUID("lot_id")
	if err != nil {
		return nil, err
	}
	lot, err := h.engine.RemoveLot(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"lot": lotMessage(lot)})
}

// CloseLot is the operator close used by in-person auctions.
func (h *SettlementServiceHandler) CloseLot(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := requestFields(req.Msg).getUUID("lot_id")
	if err != nil {
		return nil, err
	}
	lot, err := h.engine.CloseNow(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"lot": lotMessage(lot)})
}

func (h *SettlementServiceHandler) PlaceBid(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	f := requestFields(req.Msg)

	lotID, err := f.getUUID("lot_id")
	if err != nil {
		return nil, err
	}
	bidderID, err := f.getUUID("bidder_id")
	if err != nil {
		return nil, err
	}
	amount, err := f.getInt64("amount")
	if err != nil {
		return nil, err
	}

	bid, err := h.ledger.PlaceBid(ctx, bids.PlaceBidCommand{
		LotID:    lotID,
		BidderID: bidderID,
		Amount:   amount,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"bid": bidMessage(bid)})
}

func (h *SettlementServiceHandler) ListBids(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := requestFields(req.Msg).getUUID("lot_id")
	if err != nil {
		return nil, err
	}
	list, err := h.ledger.ListBids(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"bids": listOf(list, bidMessage)})
}

// FinalizeInvoices waits for every lot to settle, then freezes the drafts.
func (h *SettlementServiceHandler) FinalizeInvoices(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := requestFields(req.Msg).getUUID("auction_id")
	if err != nil {
		return nil, err
	}
	list, err := h.invoices.FinalizeAuctionInvoices(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"invoices": listOf(list, invoiceMessage)})
}

func (h *SettlementServiceHandler) ListInvoices(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := requestFields(req.Msg).getUUID("auction_id")
	if err != nil {
		return nil, err
	}
	list, err := h.invoices.ListInvoices(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"invoices": listOf(list, invoiceMessage)})
}

func (h *SettlementServiceHandler) GetInvoice(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := requestFields(req.Msg).getUUID("id")
	if err != nil {
		return nil, err
	}
	inv, err := h.invoices.GetInvoice(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	paid, err := h.invoices.ListPayments(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{
		"invoice":  invoiceMessage(inv),
		"payments": listOf(paid, paymentMessage),
	})
}

// PayInvoice charges the payer. Clients retry with the same idempotency_key.
func (h *SettlementServiceHandler) PayInvoice(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	f := requestFields(req.Msg)

	invoiceID, err := f.getUUID("invoice_id")
	if err != nil {
		return nil, err
	}
	payerID, err := f.getUUID("payer_id")
	if err != nil {
		return nil, err
	}
	amount, err := f.getInt64("amount")
	if err != nil {
		return nil, err
	}

	inv, payment, err := h.payments.Pay(ctx, payments.PayCommand{
		InvoiceID:      invoiceID,
		PayerID:        payerID,
		Amount:         amount,
		IdempotencyKey: f.getString("idempotency_key"),
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{
		"invoice": invoiceMessage(inv),
		"payment": paymentMessage(payment),
	})
}

// RefundLot issues the single partial refund a sold lot allows.
func (h *SettlementServiceHandler) RefundLot(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	f := requestFields(req.Msg)

	lotID, err := f.getUUID("lot_id")
	if err != nil {
		return nil, err
	}
	percent, err := f.getInt("percent")
	if err != nil {
		return nil, err
	}

	rec, err := h.refunds.Refund(ctx, lotID, percent)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"refund": refundMessage(rec)})
}
