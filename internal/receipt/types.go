package receipt

import "image"

type PaperWidth string

const (
	Paper58 PaperWidth = "58mm"
	Paper80 PaperWidth = "80mm"
)

// chars returns the printable character count per line for the paper variant.
func (p PaperWidth) chars() int {
	if p == Paper80 {
		return 48
	}
	return 32
}

// dots returns the maximum raster width in dots for the paper variant.
func (p PaperWidth) dots() int {
	if p == Paper80 {
		return 576
	}
	return 384
}

type Header struct {
	ShopName string   `json:"shop_name"`
	Address  string   `json:"address"`
	Phone    string   `json:"phone"`
	Social   []string `json:"social"`
}

type LineItem struct {
	Name      string  `json:"name"`
	Qty       int     `json:"qty"`
	Unit      string  `json:"unit"`
	UnitPrice float64 `json:"unit_price"`
	Total     float64 `json:"total"`
}

type Charge struct {
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
}

type Payment struct {
	Method string  `json:"method"`
	Amount float64 `json:"amount"`
}

// PrintJob is a fully assembled receipt, immutable once constructed.
// It is produced once per completed sale and consumed once by Encode.
type PrintJob struct {
	Header   Header
	Items    []LineItem
	Discount float64
	Charges  []Charge
	Payments []Payment
	Paper    PaperWidth
	Logo     image.Image
}

func (j *PrintJob) Subtotal() float64 {
	var sum float64
	for _, it := range j.Items {
		sum += it.Total
	}
	return sum
}

func (j *PrintJob) GrandTotal() float64 {
	total := j.Subtotal() - j.Discount
	for _, c := range j.Charges {
		total += c.Amount
	}
	return total
}

// KitchenTicket is the condensed order slip sent to the kitchen printer:
// no prices, just the table/token reference and the item list.
type KitchenTicket struct {
	Reference string
	Items     []LineItem
	Note      string
	Paper     PaperWidth
}
