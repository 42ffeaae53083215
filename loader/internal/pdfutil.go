package internal

import (
	"fmt"

	"contractrag/types"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	pdftypes "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

func init() {
	// без этого pdfcpu создает каталог конфигурации в домашней папке
	model.ConfigPath = "disable"
}

// ValidatePDF rejects files pdfcpu cannot parse as PDF.
func ValidatePDF(path string) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, conf); err != nil {
		return types.InvalidArgument("not a valid PDF: %v", err)
	}
	return nil
}

// RemoveHeaderFooterCrop обрезает верхние и нижние колонтитулы PDF файла.
// top и bottom задаются в пунктах (1 pt = 1/72 inch).
func RemoveHeaderFooterCrop(inputPath, outputPath string, top, bottom float64) error {
	if top <= 0 && bottom <= 0 {
		return nil
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	cropStr := fmt.Sprintf("%.2f 0 %.2f 0", top, bottom)
	box, err := model.ParseBox(cropStr, pdftypes.POINTS)
	if err != nil {
		return fmt.Errorf("failed to parse crop box: %w", err)
	}

	if err := api.CropFile(inputPath, outputPath, []string{"1-"}, box, conf); err != nil {
		return fmt.Errorf("failed to crop PDF: %w", err)
	}
	return nil
}
