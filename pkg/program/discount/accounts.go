package discount

import (
	"bytes"
	"fmt"

	"github.com/ava-labs/ledger-sync/pkg/decoder"
)

// Reconciled field names, as stored in the projection.
const (
	FieldCurrentSupply = "current_supply"
	FieldIsActive      = "is_active"
	FieldOwner         = "owner"
	FieldIsRedeemed    = "is_redeemed"
)

var (
	promotionDiscriminator = decoder.AccountDiscriminator("Promotion")
	couponDiscriminator    = decoder.AccountDiscriminator("Coupon")
)

type Location struct {
	Latitude    int32  `json:"latitude"`
	Longitude   int32  `json:"longitude"`
	RegionCode  uint16 `json:"regionCode"`
	CountryCode uint16 `json:"countryCode"`
	CityHash    uint64 `json:"cityHash"`
}

// Promotion is the on-ledger state of a promotion account.
type Promotion struct {
	Merchant           Pubkey   `json:"merchant"`
	DiscountPercentage uint8    `json:"discountPercentage"`
	MaxSupply          uint32   `json:"maxSupply"`
	CurrentSupply      uint32   `json:"currentSupply"`
	ExpiryTimestamp    int64    `json:"expiryTimestamp"`
	Category           string   `json:"category"`
	Description        string   `json:"description"`
	Price              uint64   `json:"price"`
	IsActive           bool     `json:"isActive"`
	CreatedAt          int64    `json:"createdAt"`
	Location           Location `json:"location"`
	GeoCellID          uint64   `json:"geoCellId"`
	RadiusMeters       uint32   `json:"radiusMeters"`
	IsLocationBased    bool     `json:"isLocationBased"`
}

// Coupon is the on-ledger state of a coupon account.
type Coupon struct {
	ID                 uint64  `json:"id"`
	Promotion          Pubkey  `json:"promotion"`
	Owner              Pubkey  `json:"owner"`
	Merchant           Pubkey  `json:"merchant"`
	DiscountPercentage uint8   `json:"discountPercentage"`
	ExpiryTimestamp    int64   `json:"expiryTimestamp"`
	IsRedeemed         bool    `json:"isRedeemed"`
	RedeemedAt         int64   `json:"redeemedAt"`
	CreatedAt          int64   `json:"createdAt"`
	MetadataURI        string  `json:"metadataUri"`
	Mint               *Pubkey `json:"mint,omitempty"`
}

func accountReader(data []byte, disc decoder.Discriminator, name string) (*decoder.Reader, error) {
	if len(data) < len(disc) {
		return nil, fmt.Errorf("%w: %s account shorter than discriminator", decoder.ErrMalformed, name)
	}
	if !bytes.Equal(data[:len(disc)], disc[:]) {
		return nil, fmt.Errorf("%w: account is not a %s", decoder.ErrMalformed, name)
	}
	return decoder.NewReader(data[len(disc):]), nil
}

// DecodePromotion decodes the data of a promotion account.
func DecodePromotion(data []byte) (Promotion, error) {
	r, err := accountReader(data, promotionDiscriminator, "Promotion")
	if err != nil {
		return Promotion{}, err
	}
	p := Promotion{
		Merchant:           readPubkey(r),
		DiscountPercentage: r.U8(),
		MaxSupply:          r.U32(),
		CurrentSupply:      r.U32(),
		ExpiryTimestamp:    r.I64(),
		Category:           r.String(),
		Description:        r.String(),
		Price:              r.U64(),
		IsActive:           r.Bool(),
		CreatedAt:          r.I64(),
		Location: Location{
			Latitude:    r.I32(),
			Longitude:   r.I32(),
			RegionCode:  r.U16(),
			CountryCode: r.U16(),
			CityHash:    r.U64(),
		},
		GeoCellID:       r.U64(),
		RadiusMeters:    r.U32(),
		IsLocationBased: r.Bool(),
	}
	if err := r.Err(); err != nil {
		return Promotion{}, fmt.Errorf("decoding Promotion: %w", err)
	}
	return p, nil
}

// DecodeCoupon decodes the data of a coupon account.
func DecodeCoupon(data []byte) (Coupon, error) {
	r, err := accountReader(data, couponDiscriminator, "Coupon")
	if err != nil {
		return Coupon{}, err
	}
	c := Coupon{
		ID:                 r.U64(),
		Promotion:          readPubkey(r),
		Owner:              readPubkey(r),
		Merchant:           readPubkey(r),
		DiscountPercentage: r.U8(),
		ExpiryTimestamp:    r.I64(),
		IsRedeemed:         r.Bool(),
		RedeemedAt:         r.I64(),
		CreatedAt:          r.I64(),
		MetadataURI:        r.String(),
	}
	if mint, ok := r.OptionPubkey(); ok {
		m := Pubkey(mint)
		c.Mint = &m
	}
	if err := r.Err(); err != nil {
		return Coupon{}, fmt.Errorf("decoding Coupon: %w", err)
	}
	return c, nil
}

// PromotionFields returns the reconciled fields of a promotion account.
func PromotionFields(data []byte) (map[string]any, error) {
	p, err := DecodePromotion(data)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		FieldCurrentSupply: int64(p.CurrentSupply),
		FieldIsActive:      p.IsActive,
	}, nil
}

// CouponFields returns the reconciled fields of a coupon account.
func CouponFields(data []byte) (map[string]any, error) {
	c, err := DecodeCoupon(data)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		FieldOwner:      c.Owner.String(),
		FieldIsRedeemed: c.IsRedeemed,
	}, nil
}
