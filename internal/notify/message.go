package notify

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/stock"
)

// embed色
const (
	colorRed    = 16711680 // OUT
	colorOrange = 16744192 // LOW / ダイジェスト
)

// formatQuantity は数量を余分な末尾ゼロなしで整形する。
func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

// InstantAlertMessage はLOW/OUTティア突入時の即時アラートメッセージを構成する。
// ティアは確定済み数量から計算されたものを渡すこと。
func InstantAlertMessage(item model.Item, tier stock.Tier, assigned *model.Member, appURL string) WebhookMessage {
	title := "⚠️ Low Stock Alert"
	color := colorOrange
	if tier == stock.TierOut {
		title = "🚨 Item OUT OF STOCK"
		color = colorRed
	}

	fields := []EmbedField{
		{Name: "Item", Value: item.Name, Inline: true},
		{Name: "Status", Value: strings.ToUpper(string(tier)), Inline: true},
		{Name: "Current Quantity", Value: fmt.Sprintf("%s %s", formatQuantity(item.Quantity), item.Unit), Inline: true},
		{Name: "Reorder Threshold", Value: fmt.Sprintf("%s %s", formatQuantity(item.LowStockThreshold), item.Unit), Inline: true},
	}
	if item.Supplier != "" {
		fields = append(fields, EmbedField{Name: "Supplier", Value: item.Supplier, Inline: true})
	}
	if assigned != nil {
		fields = append(fields, EmbedField{Name: "Purchaser", Value: assigned.Name, Inline: true})
	}
	if appURL != "" {
		fields = append(fields, EmbedField{Name: "Inventory App", Value: fmt.Sprintf("[Open App](%s)", appURL), Inline: false})
	}

	return WebhookMessage{
		Embeds: []Embed{{
			Title:     title,
			Color:     color,
			Fields:    fields,
			Footer:    &EmbedFooter{Text: "Stockwatch • Instant Alert"},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
}

// DigestGroup は週次ダイジェストの1宛先分のグループ。
// Memberがnilのグループは未割り当てアイテムのバケット。
type DigestGroup struct {
	Member *model.Member
	Items  []model.Item
}

// RecipientName はグループの表示用宛先名を返す。
func (g DigestGroup) RecipientName() string {
	if g.Member == nil {
		return "Unassigned items"
	}
	return g.Member.Name
}

// GroupDigest は現在LOW/OUTティアのアイテムを担当メンバーごとにグループ化する。
// 同じ入力に対して常に同じ出力を返す決定的なグループ化:
// グループ内のアイテムは名前順、グループは宛先名順（同名時はID順）、未割り当ては末尾。
func GroupDigest(items []model.Item, members []model.Member) []DigestGroup {
	memberByID := make(map[string]*model.Member, len(members))
	for i := range members {
		memberByID[members[i].ID] = &members[i]
	}

	byRecipient := make(map[string][]model.Item)
	for _, item := range items {
		if !stock.Classify(item.Quantity, item.LowStockThreshold).Alerting() {
			continue
		}
		key := item.AssignedMemberID
		if _, ok := memberByID[key]; !ok {
			// 名簿にいないメンバーへの割り当ては未割り当て扱い
			key = ""
		}
		byRecipient[key] = append(byRecipient[key], item)
	}

	groups := make([]DigestGroup, 0, len(byRecipient))
	for key, groupItems := range byRecipient {
		sort.Slice(groupItems, func(i, j int) bool {
			if groupItems[i].Name != groupItems[j].Name {
				return groupItems[i].Name < groupItems[j].Name
			}
			return groupItems[i].ID < groupItems[j].ID
		})
		groups = append(groups, DigestGroup{Member: memberByID[key], Items: groupItems})
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i].Member, groups[j].Member
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})

	return groups
}

// digestItemLine はダイジェスト内の1アイテム行を整形する。
func digestItemLine(item model.Item, plain bool) string {
	tier := stock.Classify(item.Quantity, item.LowStockThreshold)
	upper := strings.ToUpper(string(tier))

	prefix := "[LOW]"
	if tier == stock.TierOut {
		prefix = "[OUT]"
	}
	if plain {
		prefix = "-"
	}

	line := fmt.Sprintf("%s %s - %s (%s/%s %s)",
		prefix, item.Name, upper,
		formatQuantity(item.Quantity), formatQuantity(item.LowStockThreshold), item.Unit,
	)
	if item.Supplier != "" {
		if plain {
			line += " - Supplier: " + item.Supplier
		} else {
			line += " - " + item.Supplier
		}
	}
	return line
}

// DigestWebhookMessage は1グループ分のダイジェストWebhookメッセージを構成する。
// 宛先メンバーがDiscord IDを持つ場合はメンションを付与する。
func DigestWebhookMessage(g DigestGroup, appURL string) WebhookMessage {
	lines := make([]string, 0, len(g.Items))
	for _, item := range g.Items {
		lines = append(lines, digestItemLine(item, false))
	}

	var content string
	if g.Member != nil && g.Member.DiscordID != "" {
		content = fmt.Sprintf("<@%s>", g.Member.DiscordID)
	}

	fields := []EmbedField{
		{Name: "Items needing attention", Value: strconv.Itoa(len(g.Items)), Inline: true},
	}
	if appURL != "" {
		fields = append(fields, EmbedField{Name: "Inventory App", Value: fmt.Sprintf("[Open App](%s)", appURL), Inline: true})
	}

	return WebhookMessage{
		Content: content,
		Embeds: []Embed{{
			Title:       fmt.Sprintf("📋 Weekly Restock Digest — %s", g.RecipientName()),
			Color:       colorOrange,
			Description: strings.Join(lines, "\n"),
			Fields:      fields,
			Footer:      &EmbedFooter{Text: "Stockwatch • Monday Digest"},
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
}

// DigestEmailParams は1グループ分のダイジェストメールのテンプレートパラメータを構成する。
// 呼び出し側はグループの宛先メンバーがメールアドレスを持つことを確認すること。
func DigestEmailParams(g DigestGroup, appURL string) map[string]string {
	lines := make([]string, 0, len(g.Items))
	hasOut := false
	for _, item := range g.Items {
		lines = append(lines, digestItemLine(item, true))
		if stock.Classify(item.Quantity, item.LowStockThreshold) == stock.TierOut {
			hasOut = true
		}
	}

	status := "LOW STOCK"
	if hasOut {
		status = "OUT OF STOCK + LOW"
	}

	plural := ""
	if len(g.Items) > 1 {
		plural = "s"
	}

	return map[string]string{
		"to_name":           g.Member.Name,
		"to_email":          g.Member.Email,
		"subject":           fmt.Sprintf("📋 Weekly Restock Digest — %d item%s need attention", len(g.Items), plural),
		"item_name":         fmt.Sprintf("%d items need restocking", len(g.Items)),
		"status":            status,
		"current_qty":       strings.Join(lines, "\n"),
		"reorder_threshold": "",
		"supplier":          "",
		"app_url":           appURL,
	}
}
