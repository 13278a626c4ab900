package telegram

import (
	"errors"
	"fmt"
	"strings"

	"GreetingCardBot/internal/models/domain"
	"GreetingCardBot/internal/validation"

	"github.com/go-telegram/bot/models"
)

// User-facing copy is bilingual: the Arabic text first, then the English
// text, joined by a divider.
const div = "\n--------------------\n"

func bilingual(ar, en string) string {
	return ar + div + en
}

func msgWelcome(branding string) string {
	if branding == "" {
		branding = "بوت توليد بطاقات التهنئة"
	}
	return bilingual(
		fmt.Sprintf("مرحباً بكم في %s.", branding),
		"Welcome to the Greeting Card Generation Bot.",
	)
}

func msgRedirectToStart() string {
	return bilingual("أرسل /start للبدء.", "Send /start to begin.")
}

func msgAskPrimary(script validation.Script) string {
	if script == validation.ScriptEnglish {
		return bilingual("اكتب اسمك بالإنجليزية:", "Enter your name in English:")
	}
	return bilingual("اكتب اسمك بالعربية:", "Enter your name in Arabic:")
}

func msgAskSecondary() string {
	return bilingual("اكتب اسمك بالإنجليزية:", "Enter your name in English:")
}

// msgInvalidName names the specific violated rule so the user can fix the
// input rather than guess.
func msgInvalidName(err error, script validation.Script) string {
	var reasonAr, reasonEn string
	switch {
	case errors.Is(err, validation.ErrEmpty):
		reasonAr = "الاسم فارغ."
		reasonEn = "The name is empty."
	case errors.Is(err, validation.ErrTooLong):
		reasonAr = fmt.Sprintf("الاسم طويل جدًا (أقصى %d حرف).", validation.MaxNameLen)
		reasonEn = fmt.Sprintf("The name is too long (max %d characters).", validation.MaxNameLen)
	case errors.Is(err, validation.ErrNotArabic):
		reasonAr = "اكتب الاسم بالعربية بدون رموز غريبة."
		reasonEn = "Please use Arabic letters only."
	case errors.Is(err, validation.ErrNotEnglish):
		reasonAr = "اكتب الاسم بالإنجليزية (A-Z) بدون رموز."
		reasonEn = "Please use English letters (A-Z) only."
	default:
		reasonAr = err.Error()
		reasonEn = err.Error()
	}

	if script == validation.ScriptEnglish {
		return bilingual(
			"غير صحيح: "+reasonAr+"\n\nاكتب الاسم بالإنجليزية فقط.",
			"Invalid English name: "+reasonEn,
		)
	}
	return bilingual(
		"غير صحيح: "+reasonAr+"\n\nاكتب الاسم بالعربية فقط.",
		"Invalid Arabic name: "+reasonEn,
	)
}

func msgConfirmNames(primary, secondary string, hasSecondary bool) string {
	if hasSecondary {
		return bilingual(
			fmt.Sprintf("تأكيد البيانات:\n\nالاسم بالعربية: %s\nالاسم بالإنجليزية: %s\n\nاختر أحد الخيارات:", primary, secondary),
			fmt.Sprintf("Confirm details:\n\nArabic: %s\nEnglish: %s\n\nChoose an option:", primary, secondary),
		)
	}
	return bilingual(
		fmt.Sprintf("تأكيد البيانات:\n\nالاسم: %s\n\nاختر أحد الخيارات:", primary),
		fmt.Sprintf("Confirm details:\n\nName: %s\n\nChoose an option:", primary),
	)
}

func msgChooseSize() string {
	return bilingual("اختر حجم البطاقة:", "Choose a card size:")
}

func msgChooseDesign() string {
	return bilingual("اختر تصميم البطاقة:", "Choose a card design:")
}

func msgConfirmFinal(primary, secondary, size string, design int, hasSecondary bool) string {
	var arName, enName string
	if hasSecondary {
		arName = fmt.Sprintf("الاسم بالعربية: %s\nالاسم بالإنجليزية: %s", primary, secondary)
		enName = fmt.Sprintf("Arabic: %s\nEnglish: %s", primary, secondary)
	} else {
		arName = "الاسم: " + primary
		enName = "Name: " + primary
	}
	return bilingual(
		fmt.Sprintf("معاينة الطلب:\n\n%s\nالحجم: %s\nالتصميم: %d\n\nاختر أحد الخيارات:", arName, size, design+1),
		fmt.Sprintf("Review your card:\n\n%s\nSize: %s\nDesign: %d\n\nChoose an option:", enName, size, design+1),
	)
}

func msgCreating() string {
	return bilingual("جاري توليد البطاقة...", "Generating your card...")
}

func msgStillWorking() string {
	return bilingual("ما زلنا نعمل على بطاقتك...", "Still working on your card...")
}

func msgPleaseWait() string {
	return bilingual("بطاقتك قيد التوليد، الرجاء الانتظار.", "Your card is being generated, please wait.")
}

func msgReady() string {
	return bilingual("تم إنشاء البطاقة.", "Your card is ready.")
}

func msgError(cause string) string {
	return bilingual(
		"خطأ أثناء إنشاء البطاقة:\n"+cause,
		"Error while creating the card:\n"+cause,
	)
}

func msgOverloaded() string {
	return bilingual(
		"النظام مشغول حالياً، حاول مرة أخرى بعد قليل.",
		"The system is busy right now, please try again in a moment.",
	)
}

func msgStats(success, failed int, recent []domain.Generation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Last 24h: %d generated, %d failed.", success, failed)
	if len(recent) > 0 {
		b.WriteString("\n\nLatest renders:")
		for _, g := range recent {
			fmt.Fprintf(&b, "\n%s  %s/%d  %s",
				g.CreatedAt.Format("02.01 15:04"), g.Size, g.Design+1, g.Status)
		}
	}
	return b.String()
}

func msgStatsUnavailable() string {
	return "Statistics are not available."
}

func msgRateLimited(waitSeconds int) string {
	return bilingual(
		fmt.Sprintf("الرجاء الانتظار %d ثانية قبل طلب بطاقة جديدة.", waitSeconds),
		fmt.Sprintf("Please wait %d seconds before requesting another card.", waitSeconds),
	)
}

// ─── Keyboards ─────────────────────────────────────────────────────────────

func inlineKeyboard(rows ...[]models.InlineKeyboardButton) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func inlineRow(btns ...models.InlineKeyboardButton) []models.InlineKeyboardButton {
	return btns
}

func inlineBtn(text, data string) models.InlineKeyboardButton {
	return models.InlineKeyboardButton{Text: text, CallbackData: data}
}

func kbWaitSecondary() *models.InlineKeyboardMarkup {
	return inlineKeyboard(
		inlineRow(inlineBtn("إعادة كتابة الاسم العربي / Edit Arabic", cbEditPrimary)),
	)
}

func kbConfirmNames(hasSecondary, multivariant bool) *models.InlineKeyboardMarkup {
	confirmLabel := "توليد البطاقة / Generate"
	confirmData := cbGenerate
	if multivariant {
		confirmLabel = "متابعة / Continue"
		confirmData = cbContinue
	}

	rows := [][]models.InlineKeyboardButton{
		inlineRow(inlineBtn(confirmLabel, confirmData)),
	}
	if hasSecondary {
		rows = append(rows, inlineRow(
			inlineBtn("تعديل العربي / Edit Arabic", cbEditPrimary),
			inlineBtn("تعديل الإنجليزي / Edit English", cbEditSecondary),
		))
	} else {
		rows = append(rows, inlineRow(inlineBtn("تعديل الاسم / Edit name", cbEditPrimary)))
	}
	return inlineKeyboard(rows...)
}

func kbSizes(sizes []string) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(sizes))
	for _, size := range sizes {
		rows = append(rows, inlineRow(inlineBtn(strings.ToUpper(size), cbSizePrefix+size)))
	}
	return inlineKeyboard(rows...)
}

func kbDesigns(count int) *models.InlineKeyboardMarkup {
	row := make([]models.InlineKeyboardButton, 0, count)
	for i := 0; i < count; i++ {
		row = append(row, inlineBtn(fmt.Sprintf("%d", i+1), fmt.Sprintf("%s%d", cbDesignPrefix, i)))
	}
	return inlineKeyboard(row)
}

func kbConfirmFinal(hasSecondary bool) *models.InlineKeyboardMarkup {
	rows := [][]models.InlineKeyboardButton{
		inlineRow(inlineBtn("توليد البطاقة / Generate", cbGenerate)),
	}
	if hasSecondary {
		rows = append(rows, inlineRow(
			inlineBtn("تعديل العربي / Edit Arabic", cbEditPrimary),
			inlineBtn("تعديل الإنجليزي / Edit English", cbEditSecondary),
		))
	} else {
		rows = append(rows, inlineRow(inlineBtn("تعديل الاسم / Edit name", cbEditPrimary)))
	}
	rows = append(rows, inlineRow(inlineBtn("تغيير البطاقة / Change card", cbChangeVariant)))
	return inlineKeyboard(rows...)
}
