// Package discount binds the discount marketplace program: its event catalog and the account
// layouts reconciliation reads.
package discount

import (
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/decoder"
)

// Entity types referenced by events and reconciled against accounts.
const (
	EntityPromotion = "promotion"
	EntityCoupon    = "coupon"
)

// Pubkey is an account address. It renders as base58.
type Pubkey [decoder.PubkeySize]byte

func (k Pubkey) String() string {
	return base58.Encode(k[:])
}

func (k Pubkey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// ParsePubkey decodes a base58 address.
func ParsePubkey(s string) (Pubkey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Pubkey{}, fmt.Errorf("invalid pubkey %q: %w", s, err)
	}
	if len(b) != decoder.PubkeySize {
		return Pubkey{}, fmt.Errorf("invalid pubkey %q: decoded to %d bytes", s, len(b))
	}
	var k Pubkey
	copy(k[:], b)
	return k, nil
}

func readPubkey(r *decoder.Reader) Pubkey { return Pubkey(r.Pubkey()) }

// Event kinds, in declaration order of the program.
const (
	MarketplaceInitialized bus.Kind = iota + 1
	MerchantRegistered
	PromotionCreated
	CouponMinted
	CouponTransferred
	CouponRedeemed
	CouponListed
	ListingCancelled
	CouponSold
	MerchantRated
	RewardsStaked
	RewardsClaimed
	PromotionRated
	ExternalDealUpdated
	CommentLiked
	CommentAdded
	BadgeEarned
	TicketGenerated
	TicketRedeemed
	GroupDealCreated
	GroupDealJoined
	GroupDealFinalized
	GroupDealRefunded
	AuctionCreated
	BidPlaced
	AuctionFinalized
	AuctionCancelled
)

var kindNames = map[bus.Kind]string{
	MarketplaceInitialized: "MarketplaceInitialized",
	MerchantRegistered:     "MerchantRegistered",
	PromotionCreated:       "PromotionCreated",
	CouponMinted:           "CouponMinted",
	CouponTransferred:      "CouponTransferred",
	CouponRedeemed:         "CouponRedeemed",
	CouponListed:           "CouponListed",
	ListingCancelled:       "ListingCancelled",
	CouponSold:             "CouponSold",
	MerchantRated:          "MerchantRated",
	RewardsStaked:          "RewardsStaked",
	RewardsClaimed:         "RewardsClaimed",
	PromotionRated:         "PromotionRated",
	ExternalDealUpdated:    "ExternalDealUpdated",
	CommentLiked:           "CommentLiked",
	CommentAdded:           "CommentAdded",
	BadgeEarned:            "BadgeEarned",
	TicketGenerated:        "TicketGenerated",
	TicketRedeemed:         "TicketRedeemed",
	GroupDealCreated:       "GroupDealCreated",
	GroupDealJoined:        "GroupDealJoined",
	GroupDealFinalized:     "GroupDealFinalized",
	GroupDealRefunded:      "GroupDealRefunded",
	AuctionCreated:         "AuctionCreated",
	BidPlaced:              "BidPlaced",
	AuctionFinalized:       "AuctionFinalized",
	AuctionCancelled:       "AuctionCancelled",
}

// KindName returns the program's name for kind.
func KindName(kind bus.Kind) string {
	return kindNames[kind]
}

type MarketplaceInitializedEvent struct {
	Marketplace    Pubkey `json:"marketplace"`
	Authority      Pubkey `json:"authority"`
	FeeBasisPoints uint16 `json:"feeBasisPoints"`
	Timestamp      int64  `json:"timestamp"`
}

type MerchantRegisteredEvent struct {
	Merchant  Pubkey `json:"merchant"`
	Authority Pubkey `json:"authority"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	Timestamp int64  `json:"timestamp"`
}

type PromotionCreatedEvent struct {
	Promotion          Pubkey `json:"promotion"`
	Merchant           Pubkey `json:"merchant"`
	DiscountPercentage uint8  `json:"discountPercentage"`
	MaxSupply          uint32 `json:"maxSupply"`
	ExpiryTimestamp    int64  `json:"expiryTimestamp"`
	Price              uint64 `json:"price"`
}

func (e PromotionCreatedEvent) EntityRefs() []bus.EntityRef {
	return []bus.EntityRef{{Type: EntityPromotion, Address: e.Promotion.String()}}
}

type CouponMintedEvent struct {
	Coupon             Pubkey `json:"coupon"`
	NFTMint            Pubkey `json:"nftMint"`
	Promotion          Pubkey `json:"promotion"`
	Recipient          Pubkey `json:"recipient"`
	Merchant           Pubkey `json:"merchant"`
	DiscountPercentage uint8  `json:"discountPercentage"`
}

// EntityRefs includes the promotion because minting changes its current supply.
func (e CouponMintedEvent) EntityRefs() []bus.EntityRef {
	return []bus.EntityRef{
		{Type: EntityCoupon, Address: e.Coupon.String()},
		{Type: EntityPromotion, Address: e.Promotion.String()},
	}
}

type CouponTransferredEvent struct {
	Coupon    Pubkey `json:"coupon"`
	NFTMint   Pubkey `json:"nftMint"`
	From      Pubkey `json:"from"`
	To        Pubkey `json:"to"`
	Timestamp int64  `json:"timestamp"`
}

func (e CouponTransferredEvent) EntityRefs() []bus.EntityRef {
	return []bus.EntityRef{{Type: EntityCoupon, Address: e.Coupon.String()}}
}

type CouponRedeemedEvent struct {
	Coupon             Pubkey `json:"coupon"`
	NFTMint            Pubkey `json:"nftMint"`
	User               Pubkey `json:"user"`
	Merchant           Pubkey `json:"merchant"`
	DiscountPercentage uint8  `json:"discountPercentage"`
	RedemptionCode     string `json:"redemptionCode"`
	Timestamp          int64  `json:"timestamp"`
}

func (e CouponRedeemedEvent) EntityRefs() []bus.EntityRef {
	return []bus.EntityRef{{Type: EntityCoupon, Address: e.Coupon.String()}}
}

type CouponListedEvent struct {
	Listing Pubkey `json:"listing"`
	Coupon  Pubkey `json:"coupon"`
	NFTMint Pubkey `json:"nftMint"`
	Seller  Pubkey `json:"seller"`
	Price   uint64 `json:"price"`
}

type ListingCancelledEvent struct {
	Listing   Pubkey `json:"listing"`
	Coupon    Pubkey `json:"coupon"`
	Seller    Pubkey `json:"seller"`
	Timestamp int64  `json:"timestamp"`
}

type CouponSoldEvent struct {
	Listing        Pubkey `json:"listing"`
	Coupon         Pubkey `json:"coupon"`
	NFTMint        Pubkey `json:"nftMint"`
	Seller         Pubkey `json:"seller"`
	Buyer          Pubkey `json:"buyer"`
	Price          uint64 `json:"price"`
	MarketplaceFee uint64 `json:"marketplaceFee"`
}

func (e CouponSoldEvent) EntityRefs() []bus.EntityRef {
	return []bus.EntityRef{{Type: EntityCoupon, Address: e.Coupon.String()}}
}

type TicketRedeemedEvent struct {
	Ticket     Pubkey `json:"ticket"`
	Coupon     Pubkey `json:"coupon"`
	NFTMint    Pubkey `json:"nftMint"`
	User       Pubkey `json:"user"`
	Merchant   Pubkey `json:"merchant"`
	RedeemedAt int64  `json:"redeemedAt"`
}

func (e TicketRedeemedEvent) EntityRefs() []bus.EntityRef {
	return []bus.EntityRef{{Type: EntityCoupon, Address: e.Coupon.String()}}
}

// RawEvent carries the undecoded payload of events no component interprets.
type RawEvent struct {
	Payload []byte `json:"payload"`
}

func decodeRaw(r *decoder.Reader) (any, error) {
	return RawEvent{Payload: r.Rest()}, nil
}

var decoders = map[bus.Kind]func(r *decoder.Reader) (any, error){
	MarketplaceInitialized: func(r *decoder.Reader) (any, error) {
		return MarketplaceInitializedEvent{
			Marketplace:    readPubkey(r),
			Authority:      readPubkey(r),
			FeeBasisPoints: r.U16(),
			Timestamp:      r.I64(),
		}, nil
	},
	MerchantRegistered: func(r *decoder.Reader) (any, error) {
		return MerchantRegisteredEvent{
			Merchant:  readPubkey(r),
			Authority: readPubkey(r),
			Name:      r.String(),
			Category:  r.String(),
			Timestamp: r.I64(),
		}, nil
	},
	PromotionCreated: func(r *decoder.Reader) (any, error) {
		return PromotionCreatedEvent{
			Promotion:          readPubkey(r),
			Merchant:           readPubkey(r),
			DiscountPercentage: r.U8(),
			MaxSupply:          r.U32(),
			ExpiryTimestamp:    r.I64(),
			Price:              r.U64(),
		}, nil
	},
	CouponMinted: func(r *decoder.Reader) (any, error) {
		return CouponMintedEvent{
			Coupon:             readPubkey(r),
			NFTMint:            readPubkey(r),
			Promotion:          readPubkey(r),
			Recipient:          readPubkey(r),
			Merchant:           readPubkey(r),
			DiscountPercentage: r.U8(),
		}, nil
	},
	CouponTransferred: func(r *decoder.Reader) (any, error) {
		return CouponTransferredEvent{
			Coupon:    readPubkey(r),
			NFTMint:   readPubkey(r),
			From:      readPubkey(r),
			To:        readPubkey(r),
			Timestamp: r.I64(),
		}, nil
	},
	CouponRedeemed: func(r *decoder.Reader) (any, error) {
		return CouponRedeemedEvent{
			Coupon:             readPubkey(r),
			NFTMint:            readPubkey(r),
			User:               readPubkey(r),
			Merchant:           readPubkey(r),
			DiscountPercentage: r.U8(),
			RedemptionCode:     r.String(),
			Timestamp:          r.I64(),
		}, nil
	},
	CouponListed: func(r *decoder.Reader) (any, error) {
		return CouponListedEvent{
			Listing: readPubkey(r),
			Coupon:  readPubkey(r),
			NFTMint: readPubkey(r),
			Seller:  readPubkey(r),
			Price:   r.U64(),
		}, nil
	},
	ListingCancelled: func(r *decoder.Reader) (any, error) {
		return ListingCancelledEvent{
			Listing:   readPubkey(r),
			Coupon:    readPubkey(r),
			Seller:    readPubkey(r),
			Timestamp: r.I64(),
		}, nil
	},
	CouponSold: func(r *decoder.Reader) (any, error) {
		return CouponSoldEvent{
			Listing:        readPubkey(r),
			Coupon:         readPubkey(r),
			NFTMint:        readPubkey(r),
			Seller:         readPubkey(r),
			Buyer:          readPubkey(r),
			Price:          r.U64(),
			MarketplaceFee: r.U64(),
		}, nil
	},
	TicketRedeemed: func(r *decoder.Reader) (any, error) {
		return TicketRedeemedEvent{
			Ticket:     readPubkey(r),
			Coupon:     readPubkey(r),
			NFTMint:    readPubkey(r),
			User:       readPubkey(r),
			Merchant:   readPubkey(r),
			RedeemedAt: r.I64(),
		}, nil
	},
}

// EventSpecs returns the decoder specs for every event the program emits.
func EventSpecs() []decoder.EventSpec {
	specs := make([]decoder.EventSpec, 0, len(kindNames))
	for kind := MarketplaceInitialized; kind <= AuctionCancelled; kind++ {
		decode, ok := decoders[kind]
		if !ok {
			decode = decodeRaw
		}
		specs = append(specs, decoder.EventSpec{Kind: kind, Name: kindNames[kind], Decode: decode})
	}
	return specs
}

// NewDecoder returns the event decoder for the program deployed at address.
func NewDecoder(address string) (*decoder.ProgramDecoder, error) {
	return decoder.NewProgramDecoder(address, EventSpecs())
}
