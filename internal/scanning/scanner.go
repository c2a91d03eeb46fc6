package scanning

import "context"

// ReceiptPrompt is the fixed instruction sent with every receipt image
const ReceiptPrompt = `You are analyzing a photo of a shopping receipt. Carefully read all text in the image and extract the following information:

1. **Items**: Every purchased line item with its name and price exactly as printed (e.g. "$3.49").

2. **Location**: The merchant, store or business name. This is usually the largest text at the top of the receipt. Examples: "Walmart", "Corner Store", "Shell".

3. **Summary**: One short sentence describing what was bought.

4. **Merchant Code**: If the receipt prints a merchant code, merchant category code or MCC, include it.

5. **Total**: The final total, grand total or amount due. If no total is printed, add up the item prices.

6. **Date**: The transaction or purchase date. Prefer ISO 8601 format (YYYY-MM-DD).

Return ONLY valid JSON in this exact format:
{
  "items": [{"name": "Item name", "price": "$0.00"}],
  "location": "Merchant name",
  "summary": "Short description",
  "merchantCode": "optional code",
  "total": "$0.00",
  "date": "YYYY-MM-DD"
}

Important:
- "items" must always be an array, use [] when no items are readable
- Omit "merchantCode" when the receipt has none
- Do not include any text before or after the JSON`

// Scanner is the client for an external multimodal completion service.
// Implementations wait for the complete response before returning it.
type Scanner interface {
	// Analyze sends the prompt and the image at imageURL and returns the
	// assembled completion text
	Analyze(ctx context.Context, prompt string, imageURL string) (string, error)
	// Close releases provider resources
	Close() error
}
