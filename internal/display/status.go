// Package display 渲染订单状态行
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"spot-trader-go/order"
)

// Console 把订单状态逐行写到终端，实现 order.StatusSink。
// 颜色由 writer 的终端能力决定，非 TTY（文件、管道）输出纯文本。
type Console struct {
	mu sync.Mutex
	w  io.Writer

	warning   lipgloss.Style
	filled    lipgloss.Style
	placed    lipgloss.Style
	cancelled lipgloss.Style
	buy       lipgloss.Style
	sell      lipgloss.Style
}

func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	r := lipgloss.NewRenderer(w)
	return &Console{
		w:         w,
		warning:   r.NewStyle().Foreground(lipgloss.Color("3")), // 黄色
		filled:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		placed:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("4")),
		cancelled: r.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		buy:       r.NewStyle().Foreground(lipgloss.Color("2")), // 绿色
		sell:      r.NewStyle().Foreground(lipgloss.Color("1")), // 红色
	}
}

// OrderStatus 输出一行：[(test) ]<STATE>: <SIDE>: @ <price> totaling <qty>[ cancel above <thr>].
func (c *Console) OrderStatus(ev order.Event, v order.View) {
	line := c.Format(v)
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

func (c *Console) Format(v order.View) string {
	var b strings.Builder
	if v.DryRun {
		b.WriteString(c.warning.Render("(test)"))
		b.WriteString(" ")
	}
	switch state := v.State(); state {
	case "CANCELLED":
		b.WriteString(c.cancelled.Render(state))
	case "FILLED":
		b.WriteString(c.filled.Render(state))
	default:
		b.WriteString(c.placed.Render(state))
	}
	b.WriteString(": ")
	if v.Side == order.SideSell {
		b.WriteString(c.sell.Render(string(v.Side)))
	} else {
		b.WriteString(c.buy.Render(string(v.Side)))
	}
	fmt.Fprintf(&b, ": @ %s totaling %s", v.Price, v.Quantity)
	if v.CancelThreshold.Valid {
		fmt.Fprintf(&b, " cancel above %s", v.CancelThreshold.Decimal)
	}
	b.WriteString(".")
	return b.String()
}
