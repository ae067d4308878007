package models

// WsKlineEvent mirrors the payload of a Binance <symbol>@kline_<interval>
// websocket stream message.
type WsKlineEvent struct {
	EventType string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	Kline     WsKline `json:"k"`
}

// WsKline carries one bar update; IsFinal is false while the bucket is
// still forming.
type WsKline struct {
	StartTime     int64  `json:"t"`
	EndTime       int64  `json:"T"`
	Symbol        string `json:"s"`
	Interval      string `json:"i"`
	Open          string `json:"o"`
	Close         string `json:"c"`
	High          string `json:"h"`
	Low           string `json:"l"`
	Volume        string `json:"v"`
	TradeNum      int64  `json:"n"`
	IsFinal       bool   `json:"x"`
	QuoteVolume   string `json:"q"`
	TakerBuyBase  string `json:"V"`
	TakerBuyQuote string `json:"Q"`
}
