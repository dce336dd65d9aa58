package receipt

import (
	"bytes"
	"fmt"
	"image"
	"strings"
)

// ESC/POS control sequences shared by the receipt and kitchen-ticket encoders.
var (
	cmdInit        = []byte{0x1b, 0x40}
	cmdAlignLeft   = []byte{0x1b, 0x61, 0x00}
	cmdAlignCenter = []byte{0x1b, 0x61, 0x01}
	cmdBoldOn      = []byte{0x1b, 0x45, 0x01}
	cmdBoldOff     = []byte{0x1b, 0x45, 0x00}
	cmdDoubleOn    = []byte{0x1d, 0x21, 0x11}
	cmdDoubleOff   = []byte{0x1d, 0x21, 0x00}
	cmdFeed3       = []byte{0x1b, 0x64, 0x03}
	cmdPartialCut  = []byte{0x1d, 0x56, 0x42, 0x00}
)

// Encode renders a PrintJob into the ESC/POS byte stream a thermal receipt
// printer accepts. It is pure and deterministic: the same job always yields
// byte-identical output. Missing optional fields (logo, social handles) are
// rendered as omitted, never as an error.
func Encode(job *PrintJob) []byte {
	var buf bytes.Buffer
	width := job.Paper.chars()

	buf.Write(cmdInit)

	if job.Logo != nil {
		buf.Write(cmdAlignCenter)
		buf.Write(encodeRaster(job.Logo, job.Paper.dots()))
	}

	buf.Write(cmdAlignCenter)
	buf.Write(cmdBoldOn)
	buf.Write(cmdDoubleOn)
	writeLine(&buf, job.Header.ShopName)
	buf.Write(cmdDoubleOff)
	buf.Write(cmdBoldOff)
	if job.Header.Address != "" {
		writeLine(&buf, job.Header.Address)
	}
	if job.Header.Phone != "" {
		writeLine(&buf, job.Header.Phone)
	}

	buf.Write(cmdAlignLeft)
	writeLine(&buf, rule(width))
	writeLine(&buf, itemHeading(width))
	writeLine(&buf, rule(width))
	for _, it := range job.Items {
		writeLine(&buf, itemRow(it, width))
	}
	writeLine(&buf, rule(width))

	writeLine(&buf, moneyRow("Subtotal", job.Subtotal(), width))
	if job.Discount > 0 {
		writeLine(&buf, moneyRow("Discount", -job.Discount, width))
	}
	for _, c := range job.Charges {
		writeLine(&buf, moneyRow(c.Label, c.Amount, width))
	}
	buf.Write(cmdBoldOn)
	writeLine(&buf, moneyRow("TOTAL", job.GrandTotal(), width))
	buf.Write(cmdBoldOff)

	if len(job.Payments) > 0 {
		writeLine(&buf, rule(width))
		for _, p := range job.Payments {
			writeLine(&buf, moneyRow(p.Method, p.Amount, width))
		}
	}

	writeLine(&buf, rule(width))
	buf.Write(cmdAlignCenter)
	writeLine(&buf, "Thank you, visit again!")
	for _, handle := range job.Header.Social {
		if handle != "" {
			writeLine(&buf, handle)
		}
	}

	buf.Write(cmdFeed3)
	buf.Write(cmdPartialCut)
	return buf.Bytes()
}

// EncodeKitchenTicket renders the condensed kitchen-order slip: reference,
// quantities and names, no amounts.
func EncodeKitchenTicket(t *KitchenTicket) []byte {
	var buf bytes.Buffer
	width := t.Paper.chars()

	buf.Write(cmdInit)
	buf.Write(cmdAlignCenter)
	buf.Write(cmdBoldOn)
	buf.Write(cmdDoubleOn)
	writeLine(&buf, t.Reference)
	buf.Write(cmdDoubleOff)
	buf.Write(cmdBoldOff)

	buf.Write(cmdAlignLeft)
	writeLine(&buf, rule(width))
	for _, it := range t.Items {
		qty := fmt.Sprintf("%dx ", it.Qty)
		writeLine(&buf, qty+clip(it.Name, width-len(qty)))
	}
	if t.Note != "" {
		writeLine(&buf, rule(width))
		writeLine(&buf, clip(t.Note, width))
	}

	buf.Write(cmdFeed3)
	buf.Write(cmdPartialCut)
	return buf.Bytes()
}

func writeLine(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte('\n')
}

func rule(width int) string {
	return strings.Repeat("-", width)
}

func itemHeading(width int) string {
	if width >= 48 {
		return fmt.Sprintf("%-24s%5s%8s%11s", "Item", "Qty", "Rate", "Amount")
	}
	return fmt.Sprintf("%-16s%3s%5s%8s", "Item", "Qty", "Rate", "Amt")
}

func itemRow(it LineItem, width int) string {
	name := it.Name
	if it.Unit != "" {
		name = fmt.Sprintf("%s (%s)", it.Name, it.Unit)
	}
	if width >= 48 {
		return fmt.Sprintf("%-24s%5d%8.2f%11.2f", clip(name, 24), it.Qty, it.UnitPrice, it.Total)
	}
	return fmt.Sprintf("%-16s%3d%5.0f%8.2f", clip(name, 16), it.Qty, it.UnitPrice, it.Total)
}

func moneyRow(label string, amount float64, width int) string {
	value := fmt.Sprintf("%.2f", amount)
	pad := width - len(value)
	return fmt.Sprintf("%-*s%s", pad, clip(label, pad-1), value)
}

func clip(s string, max int) string {
	if max < 1 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// encodeRaster converts an image to a GS v 0 raster block, thresholding to
// monochrome and downsampling when the image exceeds the paper's dot width.
func encodeRaster(img image.Image, maxDots int) []byte {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil
	}

	dstW := srcW
	dstH := srcH
	if dstW > maxDots {
		dstH = srcH * maxDots / srcW
		dstW = maxDots
	}
	if dstH < 1 {
		dstH = 1
	}

	bytesPerRow := (dstW + 7) / 8
	data := make([]byte, bytesPerRow*dstH)

	for y := 0; y < dstH; y++ {
		srcY := bounds.Min.Y + y*srcH/dstH
		for x := 0; x < dstW; x++ {
			srcX := bounds.Min.X + x*srcW/dstW
			if isDark(img, srcX, srcY) {
				data[y*bytesPerRow+x/8] |= 0x80 >> uint(x%8)
			}
		}
	}

	header := []byte{
		0x1d, 0x76, 0x30, 0x00,
		byte(bytesPerRow), byte(bytesPerRow >> 8),
		byte(dstH), byte(dstH >> 8),
	}
	return append(header, data...)
}

func isDark(img image.Image, x, y int) bool {
	r, g, b, a := img.At(x, y).RGBA()
	if a == 0 {
		return false
	}
	// ITU-R 601 luma on 16-bit channels.
	luma := (299*r + 587*g + 114*b) / 1000
	return luma < 0x8000
}
