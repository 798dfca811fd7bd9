package discount

import "github.com/ava-labs/ledger-sync/pkg/decoder"

// EncodePromotion returns p in account layout. Used to build fixtures.
func EncodePromotion(p Promotion) []byte {
	w := (&decoder.Writer{}).Raw(promotionDiscriminator[:])
	w.Pubkey(p.Merchant).U8(p.DiscountPercentage).U32(p.MaxSupply).U32(p.CurrentSupply).
		I64(p.ExpiryTimestamp).String(p.Category).String(p.Description).U64(p.Price).
		Bool(p.IsActive).I64(p.CreatedAt).
		I32(p.Location.Latitude).I32(p.Location.Longitude).U16(p.Location.RegionCode).
		U16(p.Location.CountryCode).U64(p.Location.CityHash).
		U64(p.GeoCellID).U32(p.RadiusMeters).Bool(p.IsLocationBased)
	return w.Bytes()
}

// EncodeCoupon returns c in account layout. Used to build fixtures.
func EncodeCoupon(c Coupon) []byte {
	w := (&decoder.Writer{}).Raw(couponDiscriminator[:])
	w.U64(c.ID).Pubkey(c.Promotion).Pubkey(c.Owner).Pubkey(c.Merchant).U8(c.DiscountPercentage).
		I64(c.ExpiryTimestamp).Bool(c.IsRedeemed).I64(c.RedeemedAt).I64(c.CreatedAt).
		String(c.MetadataURI)
	if c.Mint != nil {
		m := [decoder.PubkeySize]byte(*c.Mint)
		w.OptionPubkey(&m)
	} else {
		w.OptionPubkey(nil)
	}
	return w.Bytes()
}

// PromotionCreatedLine returns the log line the program writes for e.
func PromotionCreatedLine(e PromotionCreatedEvent) string {
	w := &decoder.Writer{}
	w.Pubkey(e.Promotion).Pubkey(e.Merchant).U8(e.DiscountPercentage).U32(e.MaxSupply).
		I64(e.ExpiryTimestamp).U64(e.Price)
	return decoder.EventLine(KindName(PromotionCreated), w.Bytes())
}

// CouponTransferredLine returns the log line the program writes for e.
func CouponTransferredLine(e CouponTransferredEvent) string {
	w := &decoder.Writer{}
	w.Pubkey(e.Coupon).Pubkey(e.NFTMint).Pubkey(e.From).Pubkey(e.To).I64(e.Timestamp)
	return decoder.EventLine(KindName(CouponTransferred), w.Bytes())
}
